package gateway

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentcore/pkg/bus"
)

// EventBroadcaster pushes bus messages to websocket clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Deliver writes msg to its audience and returns how many clients got it.
// Status and Error messages go to every client; anything else only to the
// clients connected as the message recipient.
func (b *EventBroadcaster) Deliver(msg bus.Message) int {
	var targets []*Client
	switch msg.Type {
	case bus.TypeStatus, bus.TypeError:
		targets = b.clients.GetAll()
	default:
		targets = b.clients.ByEndpoint(msg.Recipient)
	}

	if len(targets) == 0 {
		b.logger.Debug().
			Str("messageId", msg.ID).
			Str("type", msg.Type.String()).
			Msg("No clients to deliver to")
		return 0
	}

	frame := OutboundFrame{
		Type:      FrameMessage,
		Seq:       b.nextSeq(),
		Message:   &msg,
		Timestamp: time.Now().UnixMilli(),
	}

	successCount := 0
	failureCount := 0
	for _, client := range targets {
		if err := client.WriteJSON(frame); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("messageId", msg.ID).
				Int64("seq", frame.Seq).
				Msg("Failed to deliver to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("messageId", msg.ID).
		Int64("seq", frame.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Delivery complete")

	return successCount
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
