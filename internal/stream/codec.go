package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// LegacyDone is the plain-text sentinel older servers send after done.
const LegacyDone = "[DONE]"

var (
	// ErrUnknownEvent is returned by Decode for a type this package does not
	// know. Readers skip such events.
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrLegacyDone is returned by Decode for the [DONE] sentinel.
	ErrLegacyDone = errors.New("legacy done sentinel")
)

// tagged prefixes a variant's fields with its type.
type tagged[T any] struct {
	Type string `json:"type"`
	Body T
}

func (t tagged[T]) MarshalJSON() ([]byte, error) {
	head, err := json.Marshal(struct {
		Type string `json:"type"`
	}{t.Type})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(t.Body)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(body, []byte("{}")) {
		return head, nil
	}
	// Splice {"type":...} and {...} into one object.
	out := append(head[:len(head)-1], ',')
	return append(out, body[1:]...), nil
}

func wrap[T Event](e T) tagged[T] {
	return tagged[T]{Type: e.Type(), Body: e}
}

// Encode marshals an event to its JSON object.
func Encode(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case Status:
		return json.Marshal(wrap(ev))
	case MCPConfigured:
		return json.Marshal(wrap(ev))
	case Ports:
		if ev.ExposedURLs == nil {
			ev.ExposedURLs = map[string]string{}
		}
		return json.Marshal(wrap(ev))
	case System:
		if len(ev.Data) == 0 {
			ev.Data = json.RawMessage("{}")
		}
		return json.Marshal(wrap(ev))
	case TextDelta:
		return json.Marshal(wrap(ev))
	case ClaudeEvent:
		return json.Marshal(wrap(ev))
	case Result:
		return json.Marshal(wrap(ev))
	case Complete:
		if ev.ExposedURLs == nil {
			ev.ExposedURLs = map[string]string{}
		}
		return json.Marshal(wrap(ev))
	case Error:
		return json.Marshal(wrap(ev))
	case Heartbeat:
		return json.Marshal(wrap(ev))
	case Done:
		return json.Marshal(wrap(ev))
	case FileChange:
		return json.Marshal(wrap(ev))
	case Warning:
		return json.Marshal(wrap(ev))
	case nil:
		return nil, fmt.Errorf("cannot encode nil event")
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
	}
}

// Frame encodes an event as one "data: <json>\n\n" frame.
func Frame(e Event) ([]byte, error) {
	data, err := Encode(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	return append(frame, '\n', '\n'), nil
}

// Decode parses the payload of one data frame.
func Decode(payload []byte) (Event, error) {
	payload = bytes.TrimSpace(payload)
	if string(payload) == LegacyDone {
		return nil, ErrLegacyDone
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	switch head.Type {
	case TypeStatus:
		return decodeAs[Status](payload)
	case TypeMCPConfigured:
		return decodeAs[MCPConfigured](payload)
	case TypePorts:
		return decodeAs[Ports](payload)
	case TypeSystem:
		return decodeAs[System](payload)
	case TypeTextDelta:
		return decodeAs[TextDelta](payload)
	case TypeClaudeEvent:
		return decodeAs[ClaudeEvent](payload)
	case TypeResult:
		return decodeAs[Result](payload)
	case TypeComplete:
		return decodeAs[Complete](payload)
	case TypeError:
		return decodeAs[Error](payload)
	case TypeHeartbeat:
		return decodeAs[Heartbeat](payload)
	case TypeDone:
		return Done{}, nil
	case TypeFileChange:
		return decodeAs[FileChange](payload)
	case TypeWarning:
		return decodeAs[Warning](payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Type)
	}
}

func decodeAs[T Event](payload []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", ev.Type(), err)
	}
	return ev, nil
}
