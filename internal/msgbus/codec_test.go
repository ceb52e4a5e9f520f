package msgbus

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/migrationd/internal/coreerr"
)

func TestWriteReadMessage_RoundTrips(t *testing.T) {
	m, err := NewMessage(TypeHeartbeat, HeartbeatPayload{SenderID: "agent-1", SequenceNumber: 3})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Type, got.Type)

	var payload HeartbeatPayload
	require.NoError(t, got.DecodePayload(&payload))
	assert.Equal(t, "agent-1", payload.SenderID)
	assert.EqualValues(t, 3, payload.SequenceNumber)
}

func TestReadMessage_ZeroLengthIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 0)
	buf.Write(header[:])

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.KindProtocol))
}

func TestReadMessage_OversizedLengthIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameBytes+1)
	buf.Write(header[:])

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.KindProtocol))
}

func TestReadMessage_UnknownTypeIsProtocolError(t *testing.T) {
	m, err := NewMessage(Type("NOT_A_REAL_TYPE"), struct{}{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))

	_, err = ReadMessage(&buf)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.KindProtocol))
}

func TestWriteMessage_RejectsOversizedPayload(t *testing.T) {
	big := make([]byte, MaxFrameBytes+10)
	m, err := NewMessage(TypeErrorReport, ErrorReportPayload{Message: string(big)})
	require.NoError(t, err)

	var buf bytes.Buffer
	err = WriteMessage(&buf, m)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.KindProtocol))
}
