// Package server exposes the sync core to clients over HTTP and WebSocket.
//
// # Endpoints
//
//   - GET  /health            liveness check, no auth
//   - GET  /api/contacts      registered users other than the caller
//   - GET  /api/conversations the caller's conversations
//   - POST /api/attachments   stage a blob, returns a handle for ws frames
//   - GET  /api/blobs/{ref}   fetch an uploaded attachment
//   - GET  /ws?with=<user>    open a live conversation socket
//
// All endpoints except /health require a bearer JWT; websocket clients may
// pass it as a ?token= query parameter instead.
//
// # WebSocket Protocol
//
// The server pushes "snapshot" frames: the full ordered message list of
// the open conversation, re-sent on every change. Clients send "draft",
// "stage_image", "unstage_image", "stage_voice", "clear_voice", "send",
// and "delete" frames. Sends ack with the created message id; a client_key
// on a send makes retries idempotent within the dedupe window.
//
// # Sessions
//
// Each websocket connection owns one session: its own outbox, one stream
// subscription, and one receipt tracker, all torn down synchronously when
// the socket closes.
package server
