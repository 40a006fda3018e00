package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/errcore"
)

const (
	tracerName = "agentcore.bus"

	DefaultQueueSize = 1024

	// KernelSender is the sender of published events that name no entity
	KernelSender = "kernel"
	// StatusRecipient is the recipient of published events
	StatusRecipient = "status"
)

// Handler receives dispatched messages
type Handler func(ctx context.Context, msg Message) error

// ErrorHandler receives handler failures
type ErrorHandler func(ctx context.Context, msg Message, err error)

// Config holds Message Bus settings
type Config struct {
	QueueSize        int
	MaxContentBytes  int
	MaxMetadataBytes int
	RateLimit        int
	RateWindow       time.Duration

	// Errors, when set, records handler failures in the error ledger
	Errors *errcore.Core
	Logger *zerolog.Logger
}

// Stats counts bus activity since creation
type Stats struct {
	Sent          int64 `json:"sent"`
	Rejected      int64 `json:"rejected"`
	Dropped       int64 `json:"dropped"`
	Routed        int64 `json:"routed"`
	Undeliverable int64 `json:"undeliverable"`
	HandlerErrors int64 `json:"handler_errors"`
	QueueDepth    int   `json:"queue_depth"`
}

// Bus validates, queues and dispatches messages between endpoints.
// Routes and handlers are meant to be registered during setup.
type Bus struct {
	validator *Validator
	errors    *errcore.Core
	logger    zerolog.Logger
	queue     chan Message

	mu             sync.RWMutex
	routes         map[string]map[string]struct{}
	handlers       map[MessageType][]Handler
	defaultHandler Handler
	errorHandler   ErrorHandler

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	sent          atomic.Int64
	rejected      atomic.Int64
	dropped       atomic.Int64
	routed        atomic.Int64
	undeliverable atomic.Int64
	handlerErrors atomic.Int64
}

// New creates a stopped bus
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	observability.EnsureRegistered()

	return &Bus{
		validator: NewValidator(ValidatorConfig{
			MaxContentBytes:  cfg.MaxContentBytes,
			MaxMetadataBytes: cfg.MaxMetadataBytes,
			RateLimit:        cfg.RateLimit,
			RateWindow:       cfg.RateWindow,
		}),
		errors:   cfg.Errors,
		logger:   logger.With().Str("component", "bus").Logger(),
		queue:    make(chan Message, cfg.QueueSize),
		routes:   make(map[string]map[string]struct{}),
		handlers: make(map[MessageType][]Handler),
	}
}

// Validator returns the bus validator for registering per-type rules
func (b *Bus) Validator() *Validator {
	return b.validator
}

// SetRateLimit changes the per-sender limit while running
func (b *Bus) SetRateLimit(limit int, window time.Duration) {
	b.validator.RateLimiter().SetLimit(limit, window)
	b.logger.Info().Int("max", limit).Dur("window", window).Msg("Rate limit updated")
}

// AddRoute allows sender to address recipients. A sender with no route may
// address anyone.
func (b *Bus) AddRoute(sender string, recipients ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	allowed, ok := b.routes[sender]
	if !ok {
		allowed = make(map[string]struct{})
		b.routes[sender] = allowed
	}
	for _, r := range recipients {
		allowed[r] = struct{}{}
	}
}

// AddHandler registers h for messages of msgType
func (b *Bus) AddHandler(msgType MessageType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], h)
}

// SetDefaultHandler receives messages whose type has no handler
func (b *Bus) SetDefaultHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaultHandler = h
}

// SetErrorHandler receives handler errors and panics
func (b *Bus) SetErrorHandler(h ErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorHandler = h
}

// Validate checks msg without queueing it
func (b *Bus) Validate(msg Message) error {
	return b.validator.Validate(msg)
}

// Route dispatches msg synchronously. It returns false when the sender's
// allow-list excludes the recipient, when no handler exists, or when every
// handler failed.
func (b *Bus) Route(ctx context.Context, msg Message) bool {
	ok := b.dispatch(ctx, msg)
	if ok {
		b.routed.Add(1)
		observability.RecordBusMessage(msg.Type.String(), "routed")
	} else {
		b.undeliverable.Add(1)
		observability.RecordBusMessage(msg.Type.String(), "undeliverable")
	}
	return ok
}

// Broadcast routes a copy of msg to every recipient named by any route,
// except those in exclude, and returns the number of successful deliveries.
// Copies keep the original id.
func (b *Bus) Broadcast(ctx context.Context, msg Message, exclude ...string) int {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	delivered := 0
	for _, recipient := range b.recipients() {
		if _, excluded := skip[recipient]; excluded {
			continue
		}
		if b.Route(ctx, msg.WithRecipient(recipient)) {
			delivered++
		}
	}
	return delivered
}

// recipients returns every recipient named by a route, sorted
func (b *Bus) recipients() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := make(map[string]struct{})
	for _, allowed := range b.routes {
		for r := range allowed {
			set[r] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Send validates msg and queues it for the consumption loop
func (b *Bus) Send(ctx context.Context, msg Message) error {
	if err := b.validator.Validate(msg); err != nil {
		b.rejected.Add(1)
		observability.RecordBusMessage(msg.Type.String(), "rejected")
		b.logger.Debug().Err(err).Str("messageId", msg.ID).Msg("Message rejected")
		return err
	}

	select {
	case b.queue <- msg:
		b.sent.Add(1)
		observability.RecordBusMessage(msg.Type.String(), "queued")
		observability.SetBusQueueSize(len(b.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		b.dropped.Add(1)
		observability.RecordBusMessage(msg.Type.String(), "dropped")
		return ErrQueueFull
	}
}

// Publish sends a kernel event. A payload carrying an "error" key becomes an
// Error message, anything else a Status message. The sender is the payload's
// entityId when present.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]interface{}) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	msgType := TypeStatus
	if _, failed := payload["error"]; failed {
		msgType = TypeError
	}

	sender := KernelSender
	if id, ok := payload["entityId"].(string); ok && id != "" {
		sender = id
	}

	msg := NewMessage(msgType, sender, StatusRecipient, string(content)).WithMetadata("topic", topic)
	if msgType == TypeError {
		msg.Priority = PriorityHigh
	}
	return b.Send(ctx, msg)
}

// Start launches the consumption loop. Calling it twice has no effect.
func (b *Bus) Start() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.running = true
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.loop(ctx, b.done)
	b.logger.Info().Int("queueSize", cap(b.queue)).Msg("Message bus started")
}

// Stop ends the consumption loop and waits for it. Queued messages stay queued.
func (b *Bus) Stop() {
	b.lifeMu.Lock()
	if !b.running {
		b.lifeMu.Unlock()
		return
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.lifeMu.Unlock()

	cancel()
	<-done
	b.logger.Info().Msg("Message bus stopped")
}

// IsRunning reports whether the consumption loop is active
func (b *Bus) IsRunning() bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	return b.running
}

// Stats returns bus counters
func (b *Bus) Stats() Stats {
	return Stats{
		Sent:          b.sent.Load(),
		Rejected:      b.rejected.Load(),
		Dropped:       b.dropped.Load(),
		Routed:        b.routed.Load(),
		Undeliverable: b.undeliverable.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		QueueDepth:    len(b.queue),
	}
}

func (b *Bus) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			observability.SetBusQueueSize(len(b.queue))
			b.Route(ctx, msg)
		}
	}
}

// dispatch delivers msg to its handlers, reporting failures to the error handler
func (b *Bus) dispatch(ctx context.Context, msg Message) bool {
	ctx = tracing.NewMessageContext(ctx, msg.ID, msg.Sender)
	ctx, span := tracing.StartSpan(ctx, tracerName, "bus.route",
		attribute.String("message_id", msg.ID),
		attribute.String("type", msg.Type.String()),
		attribute.String("sender", msg.Sender),
		attribute.String("recipient", msg.Recipient),
	)
	defer span.End()

	b.mu.RLock()
	if allowed, ok := b.routes[msg.Sender]; ok {
		if _, permitted := allowed[msg.Recipient]; !permitted {
			b.mu.RUnlock()
			b.logger.Debug().
				Str("messageId", msg.ID).
				Str("sender", msg.Sender).
				Str("recipient", msg.Recipient).
				Msg("Recipient not allowed for sender")
			return false
		}
	}
	handlers := append([]Handler(nil), b.handlers[msg.Type]...)
	if len(handlers) == 0 && b.defaultHandler != nil {
		handlers = []Handler{b.defaultHandler}
	}
	onError := b.errorHandler
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug().Str("messageId", msg.ID).Str("type", msg.Type.String()).Msg("No handler for message")
		return false
	}

	delivered := false
	for _, h := range handlers {
		err := callHandler(ctx, h, msg)
		if err == nil {
			delivered = true
			continue
		}

		herr := &HandlerError{MessageID: msg.ID, Type: msg.Type, Err: err}
		span.RecordError(herr)
		b.handlerErrors.Add(1)
		observability.RecordHandlerError(msg.Type.String())
		if b.errors != nil {
			b.errors.RecordError(msg.Recipient, herr, map[string]interface{}{
				"messageId": msg.ID,
				"sender":    msg.Sender,
			})
		}
		if onError != nil {
			b.reportError(ctx, onError, msg, herr)
		} else {
			b.logger.Warn().Err(herr).Msg("Message handler failed")
		}
	}
	return delivered
}

func callHandler(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errcore.PanicError{Value: r}
		}
	}()
	return h(ctx, msg)
}

// reportError shields the dispatch loop from a panicking error handler
func (b *Bus) reportError(ctx context.Context, onError ErrorHandler, msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("messageId", msg.ID).Msg("Error handler panicked")
		}
	}()
	onError(ctx, msg, err)
}

// IsValidationError reports whether err came from message validation
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
