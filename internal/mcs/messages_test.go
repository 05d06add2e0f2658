package mcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestBuildLoginRequest(t *testing.T) {
	creds := Credentials{AndroidID: 1234, SecurityToken: 5678}
	rec, err := ParseRecord(BuildLoginRequest(DefaultClientID, creds))
	require.NoError(t, err)

	assert.Equal(t, "chrome-63.0.3234.0", rec.Text(1))
	assert.Equal(t, "mcs.android.com", rec.Text(2))
	assert.Equal(t, "1234", rec.Text(3))
	assert.Equal(t, "1234", rec.Text(4))
	assert.Equal(t, "5678", rec.Text(5))
	assert.Equal(t, "android-4d2", rec.Text(6))

	setting, ok := rec.Message(8)
	require.True(t, ok)
	assert.Equal(t, "new_vc", setting.Text(1))
	assert.Equal(t, "1", setting.Text(2))

	for num, want := range map[int]uint64{14: 1, 16: 2, 17: 1} {
		v, ok := rec.Uint(protowire.Number(num))
		assert.True(t, ok, "field %d", num)
		assert.Equal(t, want, v, "field %d", num)
	}
}

func TestBuildHeartbeatPingOmitsZeroCounters(t *testing.T) {
	rec, err := ParseRecord(BuildHeartbeatPing(0, 0))
	require.NoError(t, err)
	_, ok := rec.Uint(1)
	assert.False(t, ok)
	_, ok = rec.Uint(2)
	assert.False(t, ok)
	status, ok := rec.Uint(3)
	assert.True(t, ok)
	assert.Zero(t, status)

	rec, err = ParseRecord(BuildHeartbeatPing(3, 7))
	require.NoError(t, err)
	v, _ := rec.Uint(1)
	assert.EqualValues(t, 3, v)
	v, _ = rec.Uint(2)
	assert.EqualValues(t, 7, v)
}

func TestBuildHeartbeatAck(t *testing.T) {
	rec, err := ParseRecord(BuildHeartbeatAck(5))
	require.NoError(t, err)
	v, ok := rec.Uint(2)
	assert.True(t, ok)
	assert.EqualValues(t, 5, v)
	_, ok = rec.Uint(1)
	assert.False(t, ok)
}

func TestBuildSelectiveAck(t *testing.T) {
	rec, err := ParseRecord(BuildSelectiveAck("ack-4", []string{"p1", "p2"}))
	require.NoError(t, err)

	typ, _ := rec.Uint(2)
	assert.EqualValues(t, IqSet, typ)
	assert.Equal(t, "ack-4", rec.Text(3))

	ext, ok := rec.Message(7)
	require.True(t, ok)
	id, _ := ext.Uint(1)
	assert.EqualValues(t, 12, id)

	inner, ok := ext.Message(2)
	require.True(t, ok)
	var ids []string
	for _, f := range inner {
		ids = append(ids, string(f.Bytes))
	}
	assert.Equal(t, []string{"p1", "p2"}, ids)
}

func TestIqResultSwapsEndpoints(t *testing.T) {
	var b []byte
	b = appendVarint(b, 2, IqGet)
	b = appendString(b, 3, "q-1")
	b = appendString(b, 4, "relay")
	b = appendString(b, 5, "device")
	b = appendBytes(b, 7, appendVarint(nil, 1, 9))

	iq, err := ParseIqStanza(b)
	require.NoError(t, err)
	assert.True(t, iq.NeedsResult())
	assert.EqualValues(t, 9, iq.ExtensionID)

	rec, err := ParseRecord(BuildIqResult(iq))
	require.NoError(t, err)
	typ, _ := rec.Uint(2)
	assert.EqualValues(t, IqResult, typ)
	assert.Equal(t, "q-1", rec.Text(3))
	assert.Equal(t, "device", rec.Text(4))
	assert.Equal(t, "relay", rec.Text(5))
}

func TestIqNeedsResult(t *testing.T) {
	cases := []struct {
		name string
		body []byte
		want bool
	}{
		{"get", appendVarint(nil, 2, IqGet), true},
		{"set", appendVarint(nil, 2, IqSet), true},
		{"result", appendVarint(nil, 2, IqResult), false},
		{"error", appendVarint(nil, 2, IqError), false},
		{"no type", appendString(nil, 3, "x"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			iq, err := ParseIqStanza(tc.body)
			require.NoError(t, err)
			assert.Equal(t, tc.want, iq.NeedsResult())
		})
	}
}

func TestParseDataMessage(t *testing.T) {
	body := buildDataMessage("0:123%abc", map[string]string{"type": "weather_alert", "d": "payload"})

	dm, err := ParseDataMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "relay@example", dm.From)
	assert.Equal(t, "com.example", dm.Category)
	assert.Equal(t, "0:123%abc", dm.PersistentID)
	assert.Equal(t, map[string]string{"type": "weather_alert", "d": "payload"}, dm.Data())
}

func TestParseLoginResponse(t *testing.T) {
	resp, err := ParseLoginResponse(appendString(nil, 1, "login-1"))
	require.NoError(t, err)
	assert.Equal(t, "login-1", resp.ID)
	assert.NoError(t, resp.Err())

	var e []byte
	e = appendVarint(e, 1, 401)
	e = appendString(e, 2, "bad token")
	resp, err = ParseLoginResponse(appendBytes(nil, 2, e))
	require.NoError(t, err)
	require.Error(t, resp.Err())
	assert.Contains(t, resp.Err().Error(), "401")
	assert.Contains(t, resp.Err().Error(), "bad token")
}

func buildDataMessage(persistentID string, data map[string]string) []byte {
	var b []byte
	b = appendString(b, 3, "relay@example")
	b = appendString(b, 5, "com.example")
	for k, v := range data {
		var kv []byte
		kv = appendString(kv, 1, k)
		kv = appendString(kv, 2, v)
		b = appendBytes(b, 7, kv)
	}
	if persistentID != "" {
		b = appendString(b, 9, persistentID)
	}
	return b
}
