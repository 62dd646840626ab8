// Package wire converts between the JSON envelope exchanged with WebSocket
// clients and domain.Message values.
//
// Inbound frames look like
//
//	{"sender_id":"u1","username":"Alice","text":"hi"}
//
// and outbound frames add the server receipt time:
//
//	{"sender_id":"u1","username":"Alice","text":"hi","timestamp":"2024-05-01T12:00:00.123Z"}
//
// Durable log records use the outbound shape unchanged.
package wire
