// Package envelope parses the Sentry envelope framing: a JSON header line,
// then any number of items, each a JSON item-header line followed by its
// payload. Payloads with an explicit length field may span multiple lines;
// payloads without one run to the end of the line.
package envelope

import (
	"bytes"
	"encoding/json"
)

// Header is the envelope-level header line.
type Header struct {
	EventID string          `json:"event_id,omitempty"`
	DSN     string          `json:"dsn,omitempty"`
	SDK     json.RawMessage `json:"sdk,omitempty"`
	SentAt  string          `json:"sent_at,omitempty"`
}

// ItemHeader describes one envelope item.
type ItemHeader struct {
	Type        string `json:"type"`
	Length      *int   `json:"length,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Item is an envelope item with its raw payload bytes.
type Item struct {
	Header  ItemHeader
	Payload []byte
}

// Envelope is a parsed envelope.
type Envelope struct {
	Header Header
	Items  []Item
}

// Parse decodes data into an Envelope. It returns ok=false when the
// envelope header line is not valid JSON or a declared item length runs
// past the end of the input. Item-header lines that fail to decode are
// skipped, matching lenient treatment of unknown item framing.
func Parse(data []byte) (*Envelope, bool) {
	pos := 0

	headerLine, pos, ok := nextLine(data, pos)
	if !ok {
		return nil, false
	}
	var header Header
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, false
	}

	env := &Envelope{Header: header}
	for {
		line, next, ok := nextLine(data, pos)
		if !ok {
			break
		}
		pos = next
		if len(line) == 0 {
			continue
		}

		var ih ItemHeader
		if err := json.Unmarshal(line, &ih); err != nil {
			continue
		}

		var payload []byte
		if ih.Length != nil {
			length := *ih.Length
			// The remaining lines rejoined with a newline after each
			// are exactly the rest of the input plus one trailing
			// newline.
			rest := []byte{}
			if pos <= len(data) {
				rest = append(append(rest, data[pos:]...), '\n')
			}
			if length > len(rest) {
				return nil, false
			}
			payload = rest[:length:length]

			consumed := 0
			for consumed < length {
				l, n, ok := nextLine(data, pos)
				if !ok {
					break
				}
				pos = n
				consumed += len(l) + 1
			}
		} else {
			payload, pos, _ = nextLine(data, pos)
		}

		env.Items = append(env.Items, Item{Header: ih, Payload: payload})
	}

	return env, true
}

// nextLine returns the line starting at pos and the offset just past its
// newline. A final segment without a trailing newline still counts as a
// line; ok=false means the input is exhausted.
func nextLine(data []byte, pos int) (line []byte, next int, ok bool) {
	if pos > len(data) {
		return nil, pos, false
	}
	if i := bytes.IndexByte(data[pos:], '\n'); i >= 0 {
		return data[pos : pos+i], pos + i + 1, true
	}
	return data[pos:], len(data) + 1, true
}

// FindEventPayload returns the payload of the first item of type "event".
func (e *Envelope) FindEventPayload() ([]byte, bool) {
	return e.findFirst("event")
}

// FindTransactionPayload returns the payload of the first item of type
// "transaction".
func (e *Envelope) FindTransactionPayload() ([]byte, bool) {
	return e.findFirst("transaction")
}

func (e *Envelope) findFirst(itemType string) ([]byte, bool) {
	for _, it := range e.Items {
		if it.Header.Type == itemType {
			return it.Payload, true
		}
	}
	return nil, false
}

// FindSessionPayloads returns the payloads of every item of type "session"
// in envelope order.
func (e *Envelope) FindSessionPayloads() [][]byte {
	var out [][]byte
	for _, it := range e.Items {
		if it.Header.Type == "session" {
			out = append(out, it.Payload)
		}
	}
	return out
}
