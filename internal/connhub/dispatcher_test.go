package connhub

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/migrationd/internal/coreerr"
	"github.com/fleetops/migrationd/internal/msgbus"
)

func mustMessage(t *testing.T, typ msgbus.Type, payload any) *msgbus.Message {
	t.Helper()

	m, err := msgbus.NewMessage(typ, payload)
	require.NoError(t, err)

	return m
}

func TestDispatcher_UnregisteredTypeReturnsFailureAck(t *testing.T) {
	d := NewDispatcher()
	msg := mustMessage(t, msgbus.TypeHeartbeat, msgbus.HeartbeatPayload{SenderID: "a"})

	resp := d.Dispatch(context.Background(), "client-1", msg, nil)

	require.NotNil(t, resp)
	assert.Equal(t, msgbus.TypeAcknowledgment, resp.Type)

	var ack msgbus.AcknowledgmentPayload
	require.NoError(t, resp.DecodePayload(&ack))
	assert.False(t, ack.Success)
	assert.Equal(t, msg.ID, ack.OriginalMessageID)
}

func TestDispatcher_HandlerErrorProducesFailureAck(t *testing.T) {
	d := NewDispatcher()
	d.Register(msgbus.TypeHeartbeat, func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		return nil, coreerr.New(coreerr.KindStore, "BOOM", "synthetic failure")
	})

	msg := mustMessage(t, msgbus.TypeHeartbeat, msgbus.HeartbeatPayload{SenderID: "a"})
	resp := d.Dispatch(context.Background(), "client-1", msg, nil)

	var ack msgbus.AcknowledgmentPayload
	require.NoError(t, resp.DecodePayload(&ack))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Error, "synthetic failure")
}

func TestDispatcher_NilResultSynthesizesSuccessAck(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	d.Register(msgbus.TypeHeartbeat, func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		calls++
		return nil, nil
	})

	msg := mustMessage(t, msgbus.TypeHeartbeat, msgbus.HeartbeatPayload{SenderID: "a"})
	resp := d.Dispatch(context.Background(), "client-1", msg, nil)

	var ack msgbus.AcknowledgmentPayload
	require.NoError(t, resp.DecodePayload(&ack))
	assert.True(t, ack.Success)
	assert.Equal(t, 1, calls)
}

func TestDispatcher_ReplayedMessageIDReturnsCachedResponseWithoutReinvoking(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	d.Register(msgbus.TypeHeartbeat, func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		calls++
		return nil, nil
	})

	msg := mustMessage(t, msgbus.TypeHeartbeat, msgbus.HeartbeatPayload{SenderID: "a"})

	first := d.Dispatch(context.Background(), "client-1", msg, nil)
	second := d.Dispatch(context.Background(), "client-1", msg, nil)

	assert.Equal(t, 1, calls)
	assert.Same(t, first, second)
}

func TestDispatcher_RegisterDuplicateTypePanics(t *testing.T) {
	d := NewDispatcher()
	d.Register(msgbus.TypeHeartbeat, func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		return nil, nil
	})

	assert.Panics(t, func() {
		d.Register(msgbus.TypeHeartbeat, func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
			return nil, nil
		})
	})
}

func TestDispatcher_AgentStartedSuccessInvokesOnBindWithUserID(t *testing.T) {
	d := NewDispatcher()
	d.Register(msgbus.TypeAgentStarted, func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		return nil, nil
	})

	msg := mustMessage(t, msgbus.TypeAgentStarted, msgbus.AgentStartedPayload{UserID: "user-7"})

	var bound string
	resp := d.Dispatch(context.Background(), "client-1", msg, func(userID string) {
		bound = userID
	})

	require.NotNil(t, resp)
	assert.Equal(t, "user-7", bound)
}

func TestDispatcher_AgentStartedFailureDoesNotInvokeOnBind(t *testing.T) {
	d := NewDispatcher()
	d.Register(msgbus.TypeAgentStarted, func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		return nil, errors.New("rejected")
	})

	msg := mustMessage(t, msgbus.TypeAgentStarted, msgbus.AgentStartedPayload{UserID: "user-7"})

	called := false
	d.Dispatch(context.Background(), "client-1", msg, func(userID string) {
		called = true
	})

	assert.False(t, called)
}
