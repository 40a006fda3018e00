package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/bus"
	"github.com/harun/agentcore/pkg/errcore"
	"github.com/harun/agentcore/pkg/state"
)

// KernelRecipient is the bus endpoint served by the Router
const KernelRecipient = bus.KernelSender

// Kernel command names
const (
	CommandPing        = "ping"
	CommandStats       = "stats"
	CommandState       = "state"
	CommandUpdateState = "update_state"
	CommandSoftReset   = "soft_reset"
	CommandRecover     = "recover"
	CommandStuck       = "stuck"
	CommandErrors      = "errors"
	CommandRunner      = "runner"
)

var (
	ErrUnknownCommand  = fmt.Errorf("%w: unknown command", errcore.ErrInvalidInput)
	ErrMissingEntityID = fmt.Errorf("%w: entityId is required", errcore.ErrInvalidInput)
)

// CommandRequest is the decoded body of a kernel command. The content may be
// a bare command name with the entity id in metadata, or a JSON object.
type CommandRequest struct {
	Action   string                 `json:"action"`
	EntityID string                 `json:"entityId,omitempty"`
	State    string                 `json:"state,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CommandResponse is the body of the Response message sent back to the sender
type CommandResponse struct {
	Action string      `json:"action"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Router serves kernel commands arriving on the bus
type Router struct {
	daemon *Daemon
	logger zerolog.Logger
}

// NewRouter creates a new kernel command router
func NewRouter(d *Daemon) *Router {
	return &Router{
		daemon: d,
		logger: d.logger.Component("router"),
	}
}

// HandleMessage executes a Command or Request addressed to the kernel and
// replies to the sender with a Response message
func (r *Router) HandleMessage(ctx context.Context, msg bus.Message) error {
	if msg.Recipient != KernelRecipient {
		return nil
	}

	logger := tracing.LoggerFromContext(ctx, r.logger)

	req, err := ParseCommand(msg)
	if err != nil {
		return r.reply(ctx, msg, CommandResponse{Error: err.Error()})
	}

	logger.Info().
		Str("action", req.Action).
		Str("entityId", req.EntityID).
		Str("sender", msg.Sender).
		Msg("Routing kernel command")

	result, err := r.Execute(ctx, req)
	resp := CommandResponse{Action: req.Action, OK: err == nil, Result: result}
	if err != nil {
		resp.Error = err.Error()
		logger.Warn().Err(err).Str("action", req.Action).Msg("Kernel command failed")
	}
	return r.reply(ctx, msg, resp)
}

// ParseCommand decodes the command carried by msg
func ParseCommand(msg bus.Message) (CommandRequest, error) {
	var req CommandRequest

	content := strings.TrimSpace(msg.Content)
	if strings.HasPrefix(content, "{") {
		if err := json.Unmarshal([]byte(content), &req); err != nil {
			return req, fmt.Errorf("%w: %v", errcore.ErrInvalidInput, err)
		}
	} else {
		req.Action = content
	}

	if req.EntityID == "" {
		if id, ok := msg.Metadata["entityId"].(string); ok {
			req.EntityID = id
		}
	}
	if req.State == "" {
		if s, ok := msg.Metadata["state"].(string); ok {
			req.State = s
		}
	}

	req.Action = strings.ToLower(req.Action)
	if req.Action == "" {
		return req, ErrUnknownCommand
	}
	return req, nil
}

// Execute runs one kernel command
func (r *Router) Execute(ctx context.Context, req CommandRequest) (interface{}, error) {
	states := r.daemon.states

	switch req.Action {
	case CommandPing:
		return "pong", nil

	case CommandStats:
		if req.EntityID == "" {
			return states.GetAllStats(), nil
		}
		return states.GetStats(req.EntityID)

	case CommandState:
		if req.EntityID == "" {
			return nil, ErrMissingEntityID
		}
		return states.Entity(req.EntityID)

	case CommandUpdateState:
		if req.EntityID == "" {
			return nil, ErrMissingEntityID
		}
		target, err := state.ParseState(req.State)
		if err != nil {
			return nil, err
		}
		if err := states.UpdateState(ctx, req.EntityID, target, req.Metadata); err != nil {
			return nil, err
		}
		return states.GetStats(req.EntityID)

	case CommandSoftReset:
		if req.EntityID == "" {
			return nil, ErrMissingEntityID
		}
		if err := states.SoftReset(ctx, req.EntityID); err != nil {
			return nil, err
		}
		return states.GetStats(req.EntityID)

	case CommandRecover:
		if req.EntityID == "" {
			return nil, ErrMissingEntityID
		}
		if err := states.RecoverFromCrash(ctx, req.EntityID); err != nil {
			return nil, err
		}
		return states.GetStats(req.EntityID)

	case CommandStuck:
		return states.GetStuckEntities(), nil

	case CommandErrors:
		ledger := r.daemon.errors.Ledger()
		if req.EntityID == "" {
			return ledger.Recent(50), nil
		}
		return ledger.ForEntity(req.EntityID), nil

	case CommandRunner:
		if r.daemon.runner == nil {
			return nil, errors.New("runner is disabled")
		}
		return r.daemon.runner.Stats(), nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, req.Action)
	}
}

func (r *Router) reply(ctx context.Context, msg bus.Message, resp CommandResponse) error {
	content, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	out := bus.NewMessage(bus.TypeResponse, KernelRecipient, msg.Sender, string(content)).
		WithMetadata("replyTo", msg.ID)
	if err := r.daemon.bus.Send(ctx, out); err != nil {
		r.logger.Warn().Err(err).Str("messageId", msg.ID).Msg("Failed to send kernel response")
	}
	return nil
}

// HandleError reports handler failures from the bus as Error events
func (r *Router) HandleError(ctx context.Context, msg bus.Message, err error) {
	r.logger.Error().
		Err(err).
		Str("messageId", msg.ID).
		Str("type", msg.Type.String()).
		Str("sender", msg.Sender).
		Msg("Bus handler failed")

	if msg.Type == bus.TypeError {
		return
	}
	_ = r.daemon.bus.Publish(ctx, "handler_error", map[string]interface{}{
		"messageId": msg.ID,
		"type":      msg.Type.String(),
		"error":     err.Error(),
	})
}
