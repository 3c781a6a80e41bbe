package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

type wirePayload struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

type wireEnvelope struct {
	Directory string       `json:"directory,omitempty"`
	Payload   *wirePayload `json:"payload"`
}

// Decode parses one stream frame. Both the enveloped form
// {"directory","payload":{"type","properties"}} and a bare
// {"type","properties"} payload are accepted. Unmodelled kinds decode to
// Unknown.
func Decode(data []byte) (GlobalEvent, error) {
	var frame struct {
		Directory  string          `json:"directory"`
		Payload    json.RawMessage `json:"payload"`
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return GlobalEvent{}, fmt.Errorf("decode frame: %w", err)
	}

	p := wirePayload{Type: frame.Type, Properties: frame.Properties}
	if len(frame.Payload) > 0 && string(frame.Payload) != "null" {
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return GlobalEvent{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if p.Type == "" {
		return GlobalEvent{}, errors.New("decode frame: missing event type")
	}

	ev, err := decodePayload(p.Type, p.Properties)
	if err != nil {
		return GlobalEvent{}, err
	}
	return GlobalEvent{Source: frame.Directory, Payload: ev}, nil
}

func decodePayload(kind string, props json.RawMessage) (Event, error) {
	switch kind {
	case TypeMessageUpdated:
		return decodeAs[MessageUpdated](props)
	case TypeMessageRemoved:
		return decodeAs[MessageRemoved](props)
	case TypePartUpdated:
		return decodeAs[PartUpdated](props)
	case TypePartRemoved:
		return decodeAs[PartRemoved](props)
	case TypeSessionCreated:
		return decodeAs[SessionCreated](props)
	case TypeSessionUpdated:
		return decodeAs[SessionUpdated](props)
	case TypeSessionDeleted:
		return decodeAs[SessionDeleted](props)
	case TypeSessionStatus:
		return decodeAs[SessionStatus](props)
	case TypeSessionIdle:
		return decodeAs[SessionIdle](props)
	case TypeSessionError:
		return decodeAs[SessionError](props)
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case TypeConnected:
		return Connected{}, nil
	}
	return Unknown{Kind: kind, Properties: props}, nil
}

func decodeAs[T Event](props json.RawMessage) (Event, error) {
	var ev T
	if len(props) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(props, &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.Type(), err)
	}
	return ev, nil
}

// Encode renders an event in the enveloped wire form accepted by Decode.
func Encode(ev GlobalEvent) ([]byte, error) {
	if ev.Payload == nil {
		return nil, errors.New("encode event: nil payload")
	}
	p := &wirePayload{Type: ev.Payload.Type()}
	switch e := ev.Payload.(type) {
	case Unknown:
		p.Properties = e.Properties
	case Heartbeat, Connected:
		p.Properties = json.RawMessage(`{}`)
	default:
		props, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", p.Type, err)
		}
		p.Properties = props
	}
	return json.Marshal(wireEnvelope{Directory: ev.Source, Payload: p})
}
