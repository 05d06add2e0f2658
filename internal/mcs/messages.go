package mcs

import (
	"fmt"
	"strconv"
)

// Values the relay expects in a LoginRequest.
const (
	DefaultClientID = "chrome-63.0.3234.0"
	loginDomain     = "mcs.android.com"
	authServiceID   = 2 // ANDROID_ID
	networkTypeWiFi = 1
)

// Iq stanza types.
const (
	IqGet    = 0
	IqSet    = 1
	IqResult = 2
	IqError  = 3
)

// selectiveAckExtension is the extension id of a SelectiveAck payload.
const selectiveAckExtension = 12

// BuildLoginRequest serializes the LoginRequest for creds.
//
//	1 id, 2 domain, 3 user, 4 resource, 5 auth_token, 6 device_id,
//	8 setting{1 name, 2 value}, 14 use_rmq2, 16 auth_service, 17 network_type
func BuildLoginRequest(clientID string, creds Credentials) []byte {
	androidID := strconv.FormatUint(creds.AndroidID, 10)

	var setting []byte
	setting = appendString(setting, 1, "new_vc")
	setting = appendString(setting, 2, "1")

	var b []byte
	b = appendString(b, 1, clientID)
	b = appendString(b, 2, loginDomain)
	b = appendString(b, 3, androidID)
	b = appendString(b, 4, androidID)
	b = appendString(b, 5, strconv.FormatUint(creds.SecurityToken, 10))
	b = appendString(b, 6, "android-"+strconv.FormatUint(creds.AndroidID, 16))
	b = appendBytes(b, 8, setting)
	b = appendVarint(b, 14, 1)
	b = appendVarint(b, 16, authServiceID)
	b = appendVarint(b, 17, networkTypeWiFi)
	return b
}

// BuildHeartbeatPing serializes a HeartbeatPing{1 stream_id,
// 2 last_stream_id_received, 3 status}. Zero counters are omitted.
func BuildHeartbeatPing(streamID, lastReceived int) []byte {
	var b []byte
	if streamID > 0 {
		b = appendVarint(b, 1, uint64(streamID))
	}
	if lastReceived > 0 {
		b = appendVarint(b, 2, uint64(lastReceived))
	}
	return appendVarint(b, 3, 0)
}

// BuildHeartbeatAck serializes a HeartbeatAck{2 last_stream_id_received,
// 3 status}.
func BuildHeartbeatAck(lastReceived int) []byte {
	var b []byte
	if lastReceived > 0 {
		b = appendVarint(b, 2, uint64(lastReceived))
	}
	return appendVarint(b, 3, 0)
}

// BuildSelectiveAck serializes an IqStanza SET carrying the SelectiveAck
// extension for the given persistent ids.
func BuildSelectiveAck(iqID string, persistentIDs []string) []byte {
	if iqID == "" {
		iqID = "0"
	}
	var inner []byte
	for _, id := range persistentIDs {
		inner = appendString(inner, 1, id)
	}

	var ext []byte
	ext = appendVarint(ext, 1, selectiveAckExtension)
	ext = appendBytes(ext, 2, inner)

	var b []byte
	b = appendVarint(b, 2, IqSet)
	b = appendString(b, 3, iqID)
	return appendBytes(b, 7, ext)
}

// BuildIqResult serializes the RESULT answering iq, with from and to swapped.
func BuildIqResult(iq IqStanza) []byte {
	var b []byte
	b = appendVarint(b, 2, IqResult)
	b = appendString(b, 3, iq.ID)
	if iq.To != "" {
		b = appendString(b, 4, iq.To)
	}
	if iq.From != "" {
		b = appendString(b, 5, iq.From)
	}
	return b
}

// IqStanza is the subset of an inbound query stanza the session acts on.
type IqStanza struct {
	Type        uint64
	HasType     bool
	ID          string
	From        string
	To          string
	ExtensionID uint64
}

// ParseIqStanza decodes an IqStanza{2 type, 3 id, 4 from, 5 to, 7 extension{1 id}}.
func ParseIqStanza(body []byte) (IqStanza, error) {
	rec, err := ParseRecord(body)
	if err != nil {
		return IqStanza{}, err
	}
	iq := IqStanza{
		ID:   rec.Text(3),
		From: rec.Text(4),
		To:   rec.Text(5),
	}
	iq.Type, iq.HasType = rec.Uint(2)
	if ext, ok := rec.Message(7); ok {
		iq.ExtensionID, _ = ext.Uint(1)
	}
	return iq, nil
}

// NeedsResult reports whether the relay expects a RESULT for this stanza.
func (iq IqStanza) NeedsResult() bool {
	return iq.HasType && (iq.Type == IqGet || iq.Type == IqSet)
}

// AppData is one key/value pair of a data message.
type AppData struct {
	Key   string
	Value string
}

// DataMessage is a parsed DataMessageStanza.
type DataMessage struct {
	From         string
	Category     string
	AppData      []AppData
	PersistentID string
}

// ParseDataMessage decodes a DataMessageStanza{3 from, 5 category,
// 7* app_data{1 key, 2 value}, 9 persistent_id}.
func ParseDataMessage(body []byte) (*DataMessage, error) {
	rec, err := ParseRecord(body)
	if err != nil {
		return nil, err
	}
	dm := &DataMessage{
		From:         rec.Text(3),
		Category:     rec.Text(5),
		PersistentID: rec.Text(9),
	}
	for _, kv := range rec.Messages(7) {
		dm.AppData = append(dm.AppData, AppData{Key: kv.Text(1), Value: kv.Text(2)})
	}
	return dm, nil
}

// Data returns the application data as a map; later duplicates win.
func (d *DataMessage) Data() map[string]string {
	m := make(map[string]string, len(d.AppData))
	for _, kv := range d.AppData {
		m[kv.Key] = kv.Value
	}
	return m
}

// LoginResponse is the subset of the relay's login answer the session checks.
type LoginResponse struct {
	ID           string
	HasError     bool
	ErrorCode    uint64
	ErrorMessage string
}

// ParseLoginResponse decodes a LoginResponse{1 id, 2 error{1 code, 2 message}}.
func ParseLoginResponse(body []byte) (LoginResponse, error) {
	rec, err := ParseRecord(body)
	if err != nil {
		return LoginResponse{}, err
	}
	resp := LoginResponse{ID: rec.Text(1)}
	if e, ok := rec.Message(2); ok {
		resp.HasError = true
		resp.ErrorCode, _ = e.Uint(1)
		resp.ErrorMessage = e.Text(2)
	}
	return resp, nil
}

func (r LoginResponse) Err() error {
	if !r.HasError {
		return nil
	}
	return fmt.Errorf("login rejected: code=%d %s", r.ErrorCode, r.ErrorMessage)
}
