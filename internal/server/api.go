// ABOUTME: REST handlers for the contact directory, conversation list, and attachment staging
// ABOUTME: All endpoints require bearer auth and speak JSON

package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxAttachmentBytes bounds a single staged upload.
const maxAttachmentBytes = 32 << 20 // 32 MiB

// ContactResponse is the JSON shape for GET /api/contacts entries.
type ContactResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// ConversationResponse is the JSON shape for GET /api/conversations entries.
type ConversationResponse struct {
	ID        string `json:"id"`
	OtherUser string `json:"other_user"`
	CreatedAt string `json:"created_at"`
}

// StageAttachmentResponse is the JSON response for POST /api/attachments.
// The handle identifies the staged blob in later websocket frames; it is
// only meaningful to the connection's own outbox.
type StageAttachmentResponse struct {
	Handle string `json:"handle"`
}

// handleListContacts handles GET /api/contacts requests.
// It returns every registered user except the caller.
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := userIDFromContext(r.Context())
	contacts, err := s.directory.ListContacts(r.Context(), userID)
	if err != nil {
		s.logger.Error("listing contacts", "error", err, "user_id", userID)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ContactResponse, 0, len(contacts))
	for _, c := range contacts {
		response = append(response, ContactResponse{
			ID:        c.ID,
			Username:  c.Username,
			FirstName: c.FirstName,
			LastName:  c.LastName,
		})
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleListConversations handles GET /api/conversations requests.
// It returns the caller's conversations with the counterpart resolved.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := userIDFromContext(r.Context())
	conversations, err := s.directory.Conversations(r.Context(), userID)
	if err != nil {
		s.logger.Error("listing conversations", "error", err, "user_id", userID)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, 0, len(conversations))
	for _, conv := range conversations {
		other := conv.ParticipantA
		if other == userID {
			other = conv.ParticipantB
		}
		response = append(response, ConversationResponse{
			ID:        conv.ID,
			OtherUser: other,
			CreatedAt: conv.CreatedAt.Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleStageAttachment handles POST /api/attachments requests.
// The raw request body is written to the staging directory and a handle is
// returned for use in websocket stage frames. Staged files that are never
// sent are garbage, not corruption; they are swept on restart.
func (s *Server) handleStageAttachment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ext := filepath.Ext(r.URL.Query().Get("filename"))
	name := uuid.New().String() + ext

	f, err := os.Create(filepath.Join(s.stagingDir, name))
	if err != nil {
		s.logger.Error("creating staged attachment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	_, err = io.Copy(f, http.MaxBytesReader(w, r.Body, maxAttachmentBytes))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		s.logger.Error("writing staged attachment", "error", err)
		s.writeError(w, http.StatusBadRequest, "upload failed")
		return
	}

	s.writeJSON(w, http.StatusOK, StageAttachmentResponse{Handle: name})
}

// handleGetBlob handles GET /api/blobs/{ref} requests, streaming a
// previously uploaded attachment back to the client.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ref := strings.TrimPrefix(r.URL.Path, "/api/blobs/")
	rc, err := s.blobs.Open(ref)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "blob not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("streaming blob", "ref", ref, "error", err)
	}
}

// resolveHandle maps a staged attachment handle back to its file path,
// rejecting anything that would escape the staging directory.
func (s *Server) resolveHandle(handle string) (string, error) {
	if handle == "" || handle != filepath.Base(handle) {
		return "", fmt.Errorf("invalid attachment handle %q", handle)
	}
	path := filepath.Join(s.stagingDir, handle)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("unknown attachment handle %q", handle)
	}
	return path, nil
}
