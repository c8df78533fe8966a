// Package protocol defines the chat wire format: a closed set of five message
// variants, each encoded as a single-key JSON object whose key names the
// variant, for example {"Join":{"username":"alice"}}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is wrapped by every error returned from Decode. Callers treat it as
// a dropped frame, never as a reason to close the connection.
var ErrDecode = errors.New("protocol: malformed frame")

// Kind names a message variant. The value doubles as the JSON tag.
type Kind string

// Variant tags as they appear on the wire.
const (
	KindJoin     Kind = "Join"
	KindLeave    Kind = "Leave"
	KindMessage  Kind = "Message"
	KindUserList Kind = "UserList"
	KindError    Kind = "Error"
)

// ChatMessage is implemented only by the variant types in this package.
type ChatMessage interface {
	Kind() Kind
	isChatMessage()
}

// Join announces that a user entered the chat. Clients send it as their
// first frame; the server rebroadcasts it to every subscriber.
type Join struct {
	Username string `json:"username"`
}

// Leave announces that a joined user disconnected.
type Leave struct {
	Username string `json:"username"`
}

// Message carries chat text. On inbound frames the server ignores Username
// and substitutes the sender's session name.
type Message struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// UserList is the roster snapshot sent to a session right after its Join.
// A nil Users is the empty roster: it encodes as [] and Decode always
// returns a non-nil slice.
type UserList struct {
	Users []string `json:"users"`
}

// Error carries a human readable error text.
type Error struct {
	Message string `json:"message"`
}

func (Join) Kind() Kind     { return KindJoin }
func (Leave) Kind() Kind    { return KindLeave }
func (Message) Kind() Kind  { return KindMessage }
func (UserList) Kind() Kind { return KindUserList }
func (Error) Kind() Kind    { return KindError }

func (Join) isChatMessage()     {}
func (Leave) isChatMessage()    {}
func (Message) isChatMessage()  {}
func (UserList) isChatMessage() {}
func (Error) isChatMessage()    {}

// Encode serializes msg into its tagged JSON form. A UserList with nil Users
// is sent as an empty array, never null.
func Encode(msg ChatMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("protocol: cannot encode nil message")
	}

	if list, ok := msg.(UserList); ok && list.Users == nil {
		msg = UserList{Users: []string{}}
	}

	data, err := json.Marshal(map[Kind]ChatMessage{msg.Kind(): msg})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// Decode parses one frame. It fails for anything that is not exactly one of
// the five variants with all of its fields present and correctly typed.
// Unknown payload fields are ignored.
func Decode(data []byte) (ChatMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if len(envelope) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one variant tag, got %d", ErrDecode, len(envelope))
	}

	for tag, payload := range envelope {
		return decodeVariant(Kind(tag), payload)
	}
	return nil, ErrDecode
}

func decodeVariant(kind Kind, payload json.RawMessage) (ChatMessage, error) {
	f, err := parseFields(kind, payload)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindJoin:
		username, err := f.str("username")
		if err != nil {
			return nil, err
		}
		return Join{Username: username}, nil

	case KindLeave:
		username, err := f.str("username")
		if err != nil {
			return nil, err
		}
		return Leave{Username: username}, nil

	case KindMessage:
		username, err := f.str("username")
		if err != nil {
			return nil, err
		}
		content, err := f.str("content")
		if err != nil {
			return nil, err
		}
		return Message{Username: username, Content: content}, nil

	case KindUserList:
		users, err := f.strs("users")
		if err != nil {
			return nil, err
		}
		return UserList{Users: users}, nil

	case KindError:
		text, err := f.str("message")
		if err != nil {
			return nil, err
		}
		return Error{Message: text}, nil
	}

	return nil, fmt.Errorf("%w: unknown variant %q", ErrDecode, kind)
}

// fields holds a variant payload keyed by exact field name. encoding/json
// matches struct fields case-insensitively, so payloads are read through a map.
type fields struct {
	kind   Kind
	values map[string]json.RawMessage
}

func parseFields(kind Kind, payload json.RawMessage) (fields, error) {
	switch kind {
	case KindJoin, KindLeave, KindMessage, KindUserList, KindError:
	default:
		return fields{}, fmt.Errorf("%w: unknown variant %q", ErrDecode, kind)
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(payload, &values); err != nil || values == nil {
		return fields{}, fmt.Errorf("%w: %s payload is not an object", ErrDecode, kind)
	}
	return fields{kind: kind, values: values}, nil
}

func (f fields) str(name string) (string, error) {
	raw, ok := f.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s missing field %q", ErrDecode, f.kind, name)
	}

	var s *string
	if err := json.Unmarshal(raw, &s); err != nil || s == nil {
		return "", fmt.Errorf("%w: %s field %q is not a string", ErrDecode, f.kind, name)
	}
	return *s, nil
}

func (f fields) strs(name string) ([]string, error) {
	raw, ok := f.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s missing field %q", ErrDecode, f.kind, name)
	}

	var list *[]string
	if err := json.Unmarshal(raw, &list); err != nil || list == nil {
		return nil, fmt.Errorf("%w: %s field %q is not a string array", ErrDecode, f.kind, name)
	}
	if *list == nil {
		return []string{}, nil
	}
	return *list, nil
}
