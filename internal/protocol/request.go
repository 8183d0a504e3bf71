package protocol

import (
	"encoding/json"

	"github.com/rickgao/kite-stream/internal/ticks"
)

// Action is the "a" field of a control message.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionMode        Action = "mode"
)

// Request is one control message: {"a": "<action>", "v": <value>}.
// For subscribe/unsubscribe the value is a token array; for mode it is the
// pair [mode_string, [tokens...]].
type Request struct {
	A Action `json:"a"`
	V any    `json:"v"`
}

// Subscribe builds a subscribe request for the given tokens.
func Subscribe(tokens []uint32) Request {
	return Request{A: ActionSubscribe, V: tokens}
}

// Unsubscribe builds an unsubscribe request for the given tokens.
func Unsubscribe(tokens []uint32) Request {
	return Request{A: ActionUnsubscribe, V: tokens}
}

// SetMode builds a mode request for the given tokens.
func SetMode(mode ticks.Mode, tokens []uint32) Request {
	return Request{A: ActionMode, V: [2]any{string(mode), tokens}}
}

// Marshal renders the request as a JSON text frame payload.
func (r Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
