package msgbus

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/fleetops/migrationd/internal/coreerr"
)

// MaxFrameBytes is the wire protocol's hard cap on a single message's JSON
// payload length: a 1 MiB frame larger than this closes the connection.
const MaxFrameBytes = 1 << 20

// lengthPrefixBytes is the size of the little-endian frame length header.
const lengthPrefixBytes = 4

// WriteMessage frames and writes m to w: a 4-byte little-endian length
// followed by the UTF-8 JSON payload.
func WriteMessage(w io.Writer, m *Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return coreerr.Wrap(coreerr.KindProtocol, "ENCODE_FAILED", "marshaling message", err)
	}

	if len(body) == 0 || len(body) > MaxFrameBytes {
		return coreerr.New(coreerr.KindProtocol, "FRAME_TOO_LARGE", "encoded message exceeds the 1 MiB frame limit")
	}

	var header [lengthPrefixBytes]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return coreerr.Wrap(coreerr.KindTransport, "WRITE_HEADER_FAILED", "writing frame header", err)
	}

	if _, err := w.Write(body); err != nil {
		return coreerr.Wrap(coreerr.KindTransport, "WRITE_BODY_FAILED", "writing frame body", err)
	}

	return nil
}

// ReadMessage reads one framed message from r. A length of zero or greater
// than MaxFrameBytes is a Protocol error and the caller must close the
// connection without attempting to read a body.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [lengthPrefixBytes]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}

		return nil, coreerr.Wrap(coreerr.KindTransport, "READ_HEADER_FAILED", "reading frame header", err)
	}

	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 || n > MaxFrameBytes {
		return nil, coreerr.New(coreerr.KindProtocol, "INVALID_FRAME_LENGTH", "frame length out of bounds")
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, coreerr.Wrap(coreerr.KindTransport, "READ_BODY_FAILED", "reading frame body", err)
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, coreerr.Wrap(coreerr.KindProtocol, "DECODE_FAILED", "unmarshaling message", err)
	}

	if !KnownTypes[m.Type] {
		return nil, coreerr.New(coreerr.KindProtocol, "UNKNOWN_TYPE", "unrecognized message type "+string(m.Type))
	}

	return &m, nil
}
