package events

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/recaplabs/recap/internal/models"
)

// frame is a fully rendered SSE message. Events are encoded once at
// publish time and the same frame is shared by every connection the
// event fans out to.
type frame struct {
	event models.EventType
	data  []byte
}

// encodeFrame renders an event for the wire. Payloads strictly larger
// than threshold bytes are gzip-compressed and base64-wrapped, and the
// wire type gains the "_z" suffix so clients know to decompress.
// A threshold of zero disables compression.
func encodeFrame(ev models.Event, threshold int) (frame, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return frame{}, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	wireType := ev.Type
	if threshold > 0 && len(payload) > threshold {
		compressed, err := compressPayload(payload)
		if err != nil {
			return frame{}, fmt.Errorf("compress %s event: %w", ev.Type, err)
		}
		payload = compressed
		wireType += models.CompressedSuffix
	}

	return frame{event: wireType, data: payload}, nil
}

func compressPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(encoded, buf.Bytes())
	return encoded, nil
}

// writeFrame emits a frame in text/event-stream format.
func writeFrame(w io.Writer, f frame) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
	return err
}
