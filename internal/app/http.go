package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"learnhub/api/internal/auth"
	"learnhub/api/internal/gate"
	"learnhub/api/internal/identity"
	"learnhub/api/internal/store"
)

// capabilityChat is the capability required by every chat route. Students
// pass directly, generic users and admins pass through the widening rule, and
// mentors need the capability in their permission set.
const capabilityChat = "student"

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		// Preflight: the CORS headers are already set by the middleware and a
		// 204 must carry no body.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/auth/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/auth/logout" {
		if err := s.service.Logout(r.Context(), bearerToken(r)); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	caller, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "chat" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if err := s.service.Authorize(caller, capabilityChat); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	s.handleChat(w, r, caller, parts)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingRevoker(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.Unix(),
		"user":      identityPayload(result.Identity),
	})
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request, caller identity.Identity, parts []string) {
	if len(parts) == 1 && r.Method == http.MethodGet {
		conversations, err := s.service.ListChats(r.Context(), caller)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payload := make([]map[string]any, 0, len(conversations))
		for _, conv := range conversations {
			payload = append(payload, conversationPayload(conv))
		}
		writeJSON(w, http.StatusOK, map[string]any{"chats": payload})
		return
	}

	if len(parts) == 2 && parts[1] == "access" && r.Method == http.MethodPost {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		conv, err := s.service.AccessChat(r.Context(), caller, body.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, conversationPayload(conv))
		return
	}

	if len(parts) == 2 && parts[1] == "group" && r.Method == http.MethodPost {
		var body struct {
			Name         string   `json:"name"`
			Participants []string `json:"participants"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		conv, err := s.service.CreateGroupChat(r.Context(), caller, body.Name, body.Participants)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, conversationPayload(conv))
		return
	}

	if len(parts) == 2 && parts[1] == "message" && r.Method == http.MethodPost {
		var body struct {
			ChatID     string `json:"chatId"`
			ReceiverID string `json:"receiverId"`
			Text       string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		msg, err := s.service.SendMessage(r.Context(), caller, body.ChatID, body.ReceiverID, body.Text)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, messagePayload(msg))
		return
	}

	if len(parts) == 3 && parts[1] == "message" && parts[2] == "seen" && r.Method == http.MethodPut {
		var body struct {
			ChatID string `json:"chatId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		marked, err := s.service.MarkChatSeen(r.Context(), caller, body.ChatID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"marked": marked})
		return
	}

	if len(parts) == 3 && parts[1] == "message" && r.Method == http.MethodGet {
		messages, err := s.service.ListChatMessages(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payload := make([]map[string]any, 0, len(messages))
		for _, msg := range messages {
			payload = append(payload, messagePayload(msg))
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": payload})
		return
	}

	if len(parts) == 3 && parts[1] == "user" && r.Method == http.MethodGet {
		account, err := s.service.GetAccount(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, identityPayload(account))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	caller, err := s.service.IdentityFromToken(r.Context(), bearerToken(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return identity.Identity{}, false
	}
	return caller, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, identity.ErrMissingToken) {
		return http.StatusUnauthorized, "MISSING_TOKEN", "Unauthorized", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "INVALID_TOKEN", "Unauthorized", nil
	}
	if errors.Is(err, identity.ErrAccountNotFound) {
		return http.StatusUnauthorized, "ACCOUNT_NOT_FOUND", "Unauthorized", nil
	}
	if errors.Is(err, gate.ErrMissingCapability) {
		return http.StatusForbidden, "MISSING_CAPABILITY", "Forbidden", nil
	}
	if errors.Is(err, store.ErrConversationNotFound) {
		return http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func identityPayload(id identity.Identity) map[string]any {
	return map[string]any{
		"id":                 id.ID,
		"kind":               id.Kind,
		"role":               id.Role,
		"displayName":        id.DisplayName,
		"email":              id.Email,
		"permissionSet":      id.Permissions,
		"enrolledCourseRefs": id.EnrolledCourses,
		"isSuperAdmin":       id.IsSuperAdmin,
	}
}

func conversationPayload(conv store.Conversation) map[string]any {
	return map[string]any{
		"id":            conv.ID,
		"isGroup":       conv.IsGroup,
		"groupName":     conv.GroupName,
		"participants":  conv.Participants,
		"lastMessageId": conv.LastMessageID,
		"createdAt":     conv.CreatedAt,
	}
}

func messagePayload(msg store.Message) map[string]any {
	readBy := msg.ReadBy
	if readBy == nil {
		readBy = []identity.Ref{}
	}
	return map[string]any{
		"id":        msg.ID,
		"chatId":    msg.ConversationID,
		"sender":    msg.Sender,
		"text":      msg.Text,
		"createdAt": msg.CreatedAt,
		"readBy":    readBy,
	}
}
