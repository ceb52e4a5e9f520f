package connhub

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetops/migrationd/internal/coreerr"
	"github.com/fleetops/migrationd/internal/msgbus"
)

// Handler processes one decoded inbound message for a client and optionally
// returns a response. Returning (nil, nil) causes Dispatcher to synthesize a
// success Acknowledgment.
type Handler func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error)

// Dispatcher routes a decoded message to the handler registered for its
// type. Handlers must be idempotent with respect to message id; Dispatcher
// enforces this by caching the response for every message id it has already
// processed and replaying it verbatim rather than invoking the handler a
// second time.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[msgbus.Type]Handler

	seenMu sync.Mutex
	seen   map[string]*msgbus.Message
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[msgbus.Type]Handler),
		seen:     make(map[string]*msgbus.Message),
	}
}

// Register binds a handler to a message type. Registering a second handler
// for the same type is a programmer error and panics, mirroring Cobra's
// own "duplicate command name" panic in newRootCmd-style registration.
func (d *Dispatcher) Register(t msgbus.Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[t]; exists {
		panic(fmt.Sprintf("connhub: handler already registered for message type %q", t))
	}

	d.handlers[t] = h
}

// Dispatch invokes the handler registered for msg.Type, synthesizing a
// success Acknowledgment when the handler returns no response and a failure
// Acknowledgment when it returns an error. An unregistered type produces a
// failure Acknowledgment carrying a Protocol error code. Replaying a
// message id already seen returns the cached response without invoking the
// handler again. onBind, if non-nil, is invoked with the payload's userId
// only when msg.Type is AGENT_STARTED and the handler succeeds — Hub uses
// this to own the client<->user binding (last-writer-wins for concurrent
// AGENT_STARTED).
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, msg *msgbus.Message, onBind func(userID string)) *msgbus.Message {
	if cached := d.cached(msg.ID); cached != nil {
		return cached
	}

	d.mu.RLock()
	h, ok := d.handlers[msg.Type]
	d.mu.RUnlock()

	var resp *msgbus.Message

	if !ok {
		resp = failureAck(msg.ID, coreerr.New(coreerr.KindProtocol, "NO_HANDLER", "no handler registered for type "+string(msg.Type)))
	} else {
		result, err := h(ctx, clientID, msg)

		switch {
		case err != nil:
			resp = failureAck(msg.ID, err)
		case result != nil:
			resp = result
		default:
			ackMsg, merr := msgbus.NewMessage(msgbus.TypeAcknowledgment, msgbus.AcknowledgmentPayload{
				OriginalMessageID: msg.ID,
				Success:           true,
			})
			if merr != nil {
				resp = failureAck(msg.ID, merr)
			} else {
				resp = ackMsg
			}
		}

		if err == nil && msg.Type == msgbus.TypeAgentStarted && onBind != nil {
			var payload msgbus.AgentStartedPayload
			if derr := msg.DecodePayload(&payload); derr == nil {
				onBind(payload.UserID)
			}
		}
	}

	d.remember(msg.ID, resp)

	return resp
}

func failureAck(originalID string, err error) *msgbus.Message {
	ackMsg, merr := msgbus.NewMessage(msgbus.TypeAcknowledgment, msgbus.AcknowledgmentPayload{
		OriginalMessageID: originalID,
		Success:           false,
		Error:             err.Error(),
	})
	if merr != nil {
		// Construction of a fixed, small payload cannot realistically fail;
		// if it ever does there is nothing more specific to report.
		return &msgbus.Message{ID: originalID, Type: msgbus.TypeAcknowledgment}
	}

	return ackMsg
}

func (d *Dispatcher) cached(id string) *msgbus.Message {
	d.seenMu.Lock()
	defer d.seenMu.Unlock()

	return d.seen[id]
}

func (d *Dispatcher) remember(id string, resp *msgbus.Message) {
	d.seenMu.Lock()
	defer d.seenMu.Unlock()

	d.seen[id] = resp
}
