package stream

import (
	"io"
	"strconv"
	"strings"
)

// SSEEvent is a single decoded Server-Sent Event.
type SSEEvent struct {
	Type  string
	Data  string
	ID    string
	Retry int // -1 when absent
}

// SSEDecoder decodes the W3C event-stream format from a byte stream.
// It handles multi-line data fields, CRLF/CR/LF normalization, comment
// lines, id/retry fields, and events spanning multiple reads. The
// OpenAI-style "[DONE]" terminator is yielded as data; the caller decides.
type SSEDecoder struct {
	r   io.Reader
	buf []byte

	pending   string // undecoded carry-over between reads
	eventType string
	dataLines []string
	eventID   string
	retry     int
	eof       bool
}

// NewSSEDecoder wraps r.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{
		r:         r,
		buf:       make([]byte, 4096),
		eventType: "message",
		retry:     -1,
	}
}

// Next returns the next event, or io.EOF when the stream is exhausted.
// A final event without a trailing blank line is still emitted.
func (d *SSEDecoder) Next() (SSEEvent, error) {
	for {
		// Drain complete lines already buffered.
		for {
			idx := strings.IndexByte(d.pending, '\n')
			if idx < 0 {
				break
			}
			line := d.pending[:idx]
			d.pending = d.pending[idx+1:]
			if ev, ok := d.consumeLine(line); ok {
				return ev, nil
			}
		}

		if d.eof {
			// Stream ended without a final newline: process the remainder,
			// then flush any accumulated event.
			if d.pending != "" {
				d.processField(d.pending)
				d.pending = ""
			}
			if len(d.dataLines) > 0 {
				return d.dispatch(), nil
			}
			return SSEEvent{}, io.EOF
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			chunk := string(d.buf[:n])
			// Normalize all line endings to LF.
			d.pending += chunk
			d.pending = strings.ReplaceAll(d.pending, "\r\n", "\n")
			d.pending = strings.ReplaceAll(d.pending, "\r", "\n")
		}
		if err == io.EOF {
			d.eof = true
		} else if err != nil {
			return SSEEvent{}, err
		}
	}
}

// consumeLine feeds one normalized line into the decoder state; it returns
// an event when the line is an event boundary with accumulated data.
func (d *SSEDecoder) consumeLine(line string) (SSEEvent, bool) {
	if line == "" {
		if len(d.dataLines) > 0 {
			return d.dispatch(), true
		}
		// Blank line with no data resets the type only.
		d.eventType = "message"
		return SSEEvent{}, false
	}
	if strings.HasPrefix(line, ":") {
		return SSEEvent{}, false // comment
	}
	d.processField(line)
	return SSEEvent{}, false
}

func (d *SSEDecoder) processField(line string) {
	var field, value string
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		value = strings.TrimPrefix(value, " ") // single leading space only
	} else {
		field = line
	}

	switch field {
	case "event":
		d.eventType = value
	case "data":
		d.dataLines = append(d.dataLines, value)
	case "id":
		if !strings.ContainsRune(value, 0) { // ids with NUL are ignored
			d.eventID = value
		}
	case "retry":
		if n, err := strconv.Atoi(value); err == nil {
			d.retry = n
		}
	}
	// Unknown fields are ignored.
}

// dispatch emits the accumulated event. Per the EventSource standard the id and retry
// fields persist across events; the type and data reset.
func (d *SSEDecoder) dispatch() SSEEvent {
	ev := SSEEvent{
		Type:  d.eventType,
		Data:  strings.Join(d.dataLines, "\n"),
		ID:    d.eventID,
		Retry: d.retry,
	}
	d.eventType = "message"
	d.dataLines = nil
	return ev
}
