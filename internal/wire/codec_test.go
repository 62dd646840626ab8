package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatrelay/internal/domain"
)

func TestDecode_ValidFrame(t *testing.T) {
	msg, err := Decode([]byte(`{"sender_id":"u1","username":"Alice","text":"hi"}`))
	require.NoError(t, err)

	assert.Equal(t, "u1", msg.Identity)
	assert.Equal(t, "Alice", msg.DisplayName)
	assert.Equal(t, "hi", msg.Body)
	assert.True(t, msg.CreatedAt.IsZero(), "decode must not assign a timestamp")
}

func TestDecode_IgnoresClientTimestamp(t *testing.T) {
	msg, err := Decode([]byte(`{"sender_id":"u1","username":"Alice","text":"hi","timestamp":"1999-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.True(t, msg.CreatedAt.IsZero())
}

func TestDecode_KeepsBodyUntrimmed(t *testing.T) {
	msg, err := Decode([]byte(`{"sender_id":"u1","username":"Alice","text":"  hi there \n"}`))
	require.NoError(t, err)
	assert.Equal(t, "  hi there \n", msg.Body)
}

func TestDecode_EmptyBody(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", `""`},
		{"spaces", `"   "`},
		{"mixed whitespace", `" \t\r\n "`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(`{"sender_id":"u1","username":"Alice","text":` + tt.text + `}`))
			assert.ErrorIs(t, err, ErrEmptyBody)
			assert.NotErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestDecode_MalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{name: "not json", payload: `hello`},
		{name: "truncated", payload: `{"sender_id":"u1"`},
		{name: "array", payload: `["u1","Alice","hi"]`},
		{name: "bare string", payload: `"hi"`},
		{name: "null", payload: `null`, field: "sender_id"},
		{name: "missing sender_id", payload: `{"username":"Alice","text":"hi"}`, field: "sender_id"},
		{name: "missing username", payload: `{"sender_id":"u1","text":"hi"}`, field: "username"},
		{name: "missing text", payload: `{"sender_id":"u1","username":"Alice"}`, field: "text"},
		{name: "null text", payload: `{"sender_id":"u1","username":"Alice","text":null}`, field: "text"},
		{name: "numeric text", payload: `{"sender_id":"u1","username":"Alice","text":42}`},
		{name: "object username", payload: `{"sender_id":"u1","username":{"n":"A"},"text":"hi"}`},
		{name: "bool sender_id", payload: `{"sender_id":true,"username":"Alice","text":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			require.ErrorIs(t, err, ErrMalformedPayload)
			if tt.field != "" {
				assert.Contains(t, err.Error(), tt.field)
			}
		})
	}
}

func TestEncode_OutboundShape(t *testing.T) {
	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.FixedZone("CEST", 2*60*60))
	data, err := Encode(domain.Message{
		Identity:    "u1",
		DisplayName: "Alice",
		Body:        "hi",
		CreatedAt:   createdAt,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Len(t, got, 4)
	assert.Equal(t, "u1", got["sender_id"])
	assert.Equal(t, "Alice", got["username"])
	assert.Equal(t, "hi", got["text"])
	assert.Equal(t, "2024-05-01T10:00:00.123Z", got["timestamp"], "timestamp must be rendered in UTC")
}

func TestDecodeRecord_KeepsTimestamp(t *testing.T) {
	createdAt := time.Date(2024, 5, 1, 10, 0, 0, 5, time.UTC)
	data, err := Encode(domain.Message{Identity: "u1", DisplayName: "Alice", Body: "hi", CreatedAt: createdAt})
	require.NoError(t, err)

	msg, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.True(t, createdAt.Equal(msg.CreatedAt))
	assert.Equal(t, "hi", msg.Body)
}

func TestDecodeRecord_RejectsBadTimestamp(t *testing.T) {
	_, err := DecodeRecord([]byte(`{"sender_id":"u1","username":"Alice","text":"hi","timestamp":"yesterday"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeRecord([]byte(`{"sender_id":"u1","username":"Alice","text":"hi"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
