// Package wsrelay is a development carrier: a small WebSocket hub that
// routes key/value data messages between clients by push token, standing
// in for the push provider when two peers run locally.
package wsrelay

// Message is the JSON structure exchanged with the hub. From is filled in
// by the hub; clients only set To and Data.
type Message struct {
	To   string            `json:"to,omitempty"`
	From string            `json:"from,omitempty"`
	Data map[string]string `json:"data"`
}
