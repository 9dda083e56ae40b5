// ABOUTME: WebSocket endpoint carrying one open conversation per connection
// ABOUTME: Streams full snapshots outbound and accepts draft/stage/send/delete frames inbound

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quiltchat/dmsync/internal/composer"
	"github.com/quiltchat/dmsync/internal/directory"
	"github.com/quiltchat/dmsync/internal/outbox"
	"github.com/quiltchat/dmsync/internal/session"
	"github.com/quiltchat/dmsync/internal/store"
	"github.com/quiltchat/dmsync/internal/stream"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients authenticate with a bearer token, not cookies, so
		// cross-origin upgrades carry no ambient credentials.
		return true
	},
}

type inboundFrame struct {
	Type      string  `json:"type"`
	Text      *string `json:"text,omitempty"`
	Handle    string  `json:"handle,omitempty"`
	Index     *int    `json:"index,omitempty"`
	ClientKey string  `json:"client_key,omitempty"`
	MessageID string  `json:"message_id,omitempty"`
}

type snapshotFrame struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id"`
	Messages       []messagePayload `json:"messages"`
}

type messagePayload struct {
	ID        string   `json:"id"`
	SenderID  string   `json:"sender_id"`
	CreatedAt string   `json:"created_at"`
	Text      string   `json:"text,omitempty"`
	ImageRefs []string `json:"image_refs,omitempty"`
	VoiceRef  string   `json:"voice_ref,omitempty"`
	SeenBy    []string `json:"seen_by"`
}

type ackFrame struct {
	Type      string `json:"type"`
	ClientKey string `json:"client_key,omitempty"`
	MessageID string `json:"message_id"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// wsConn wraps a websocket and coordinates outbound writes via a buffered
// channel. Safe for concurrent Send.
type wsConn struct {
	ws           *websocket.Conn
	send         chan []byte
	once         sync.Once
	closed       chan struct{}
	writeTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	c := &wsConn{
		ws:           ws,
		send:         make(chan []byte, 32),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go c.writeLoop()
	return c
}

// Send enqueues payload for delivery. If the client is slow and the buffer
// is full, the connection is closed to keep backpressure bounded; the
// client re-syncs from the initial snapshot on reconnect.
func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *wsConn) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// Close terminates the connection and stops the write loop.
// Safe to call multiple times.
func (c *wsConn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

// handleWebSocket handles GET /ws?with=<user_id> requests.
// The connection opens the conversation with the named counterpart: the
// current snapshot is pushed immediately, every later change pushes a
// fresh snapshot, and viewing marks recent incoming messages seen for as
// long as the socket stays open.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	otherUserID := r.URL.Query().Get("with")
	if otherUserID == "" {
		s.writeError(w, http.StatusBadRequest, "missing 'with' query parameter")
		return
	}

	sess := session.New(userID, s.directory, s.stream, s.tracker, s.composer, s.logger)
	updates, err := sess.Open(r.Context(), otherUserID)
	if err != nil {
		if errors.Is(err, directory.ErrSelfConversation) {
			s.writeError(w, http.StatusBadRequest, "cannot open a conversation with yourself")
			return
		}
		s.logger.Error("opening conversation", "error", err, "user_id", userID)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer sess.Close()

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws, s.writeTimeout)
	defer conn.Close(websocket.CloseNormalClosure, "")

	logger := s.logger.With("user_id", userID, "conversation_id", sess.ConversationID())
	logger.Info("websocket opened")
	defer logger.Info("websocket closed")

	go s.forwardSnapshots(conn, sess.ConversationID(), updates)

	s.readLoop(r, conn, sess)
}

// forwardSnapshots pushes each delivered snapshot to the client. A
// terminal query error closes the connection; the client reconnects and
// starts over from a fresh snapshot.
func (s *Server) forwardSnapshots(conn *wsConn, conversationID string, updates <-chan stream.Snapshot) {
	for snap := range updates {
		if snap.Err != nil {
			_ = conn.SendJSON(errorFrame{Type: "error", Code: "stream_failed", Error: "conversation stream failed"})
			conn.Close(websocket.CloseInternalServerErr, "stream failed")
			return
		}

		frame := snapshotFrame{
			Type:           "snapshot",
			ConversationID: conversationID,
			Messages:       make([]messagePayload, 0, len(snap.Messages)),
		}
		for _, m := range snap.Messages {
			frame.Messages = append(frame.Messages, messagePayload{
				ID:        m.ID,
				SenderID:  m.SenderID,
				CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
				Text:      m.Text,
				ImageRefs: m.ImageRefs,
				VoiceRef:  m.VoiceRef,
				SeenBy:    m.SeenBy,
			})
		}
		if err := conn.SendJSON(frame); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(r *http.Request, conn *wsConn, sess *session.Session) {
	ws := conn.ws
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			_ = conn.SendJSON(errorFrame{Type: "error", Code: "bad_frame", Error: "malformed frame"})
			continue
		}

		s.dispatchFrame(r, conn, sess, &frame)
	}
}

func (s *Server) dispatchFrame(r *http.Request, conn *wsConn, sess *session.Session, frame *inboundFrame) {
	box := sess.Outbox()

	switch frame.Type {
	case "draft":
		if frame.Text != nil {
			box.SetText(*frame.Text)
		}

	case "stage_image":
		path, err := s.resolveHandle(frame.Handle)
		if err != nil {
			_ = conn.SendJSON(errorFrame{Type: "error", Code: "unknown_handle", Error: err.Error()})
			return
		}
		box.AddImages(outbox.Handle(path))

	case "unstage_image":
		if frame.Index != nil {
			box.RemoveImage(*frame.Index)
		}

	case "stage_voice":
		path, err := s.resolveHandle(frame.Handle)
		if err != nil {
			_ = conn.SendJSON(errorFrame{Type: "error", Code: "unknown_handle", Error: err.Error()})
			return
		}
		box.SetVoice(outbox.Handle(path))

	case "clear_voice":
		box.ClearVoice()

	case "send":
		s.handleSendFrame(r, conn, sess, frame)

	case "delete":
		if err := sess.Delete(r.Context(), frame.MessageID); err != nil {
			code := "delete_failed"
			if errors.Is(err, store.ErrNotFound) {
				code = "not_found"
			}
			_ = conn.SendJSON(errorFrame{Type: "error", Code: code, Error: "delete failed"})
		}

	default:
		_ = conn.SendJSON(errorFrame{Type: "error", Code: "unknown_frame", Error: "unknown frame type " + frame.Type})
	}
}

// handleSendFrame submits the drafted message. A client key makes the
// send idempotent across retries: a repeated key within the dedupe window
// acks the original message id without creating a second message.
func (s *Server) handleSendFrame(r *http.Request, conn *wsConn, sess *session.Session, frame *inboundFrame) {
	if frame.ClientKey != "" {
		if id, ok := s.sendKeys.Lookup(frame.ClientKey); ok {
			_ = conn.SendJSON(ackFrame{Type: "ack", ClientKey: frame.ClientKey, MessageID: id})
			return
		}
	}

	id, err := sess.Send(r.Context())
	if err != nil {
		code := "send_failed"
		if errors.Is(err, composer.ErrEmptyMessage) {
			code = "empty_message"
		}
		s.logger.Warn("send failed", "error", err, "conversation_id", sess.ConversationID())
		_ = conn.SendJSON(errorFrame{Type: "error", Code: code, Error: "send failed"})
		return
	}

	if frame.ClientKey != "" {
		s.sendKeys.Remember(frame.ClientKey, id)
	}
	_ = conn.SendJSON(ackFrame{Type: "ack", ClientKey: frame.ClientKey, MessageID: id})
}
