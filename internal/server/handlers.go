package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentrelay/internal/domain"
	"agentrelay/internal/metrics"
	"agentrelay/internal/telegram"
)

const (
	secretHeader      = "X-Telegram-Bot-Api-Secret-Token"
	historySessionCap = 100
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" {
		got := r.Header.Get(secretHeader)
		if got == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing secret token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid secret token"})
			return
		}
	}

	update, err := telegram.DecodeUpdate(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Warn("bad webhook body", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	upd, ok := telegram.Classify(update)
	if !ok {
		metrics.IgnoredUpdates.Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	s.cfg.Dispatcher.Dispatch(r.Context(), upd)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	metrics.ChatRequests.Inc()

	var req chatRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil && len(body) > 0 {
		err = json.Unmarshal(body, &req)
	}
	req.Message = strings.TrimSpace(req.Message)
	if err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, chatResponse{Response: "Please provide a message."})
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = s.newSessionID()
	}
	conv := domain.Conversation{ChannelUserID: httpUserID, SessionID: sessionID}

	text, err := s.cfg.Invoker.Reply(r.Context(), conv, req.Message, chatReply)
	if err != nil {
		s.logger.Error("chat request failed", "session", sessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, chatResponse{Response: text, SessionID: sessionID})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: text, SessionID: sessionID})
}

func chatReply(reply domain.AgentReply, err error) string {
	switch {
	case err != nil:
		return "An agent error occurred: " + err.Error()
	case reply.Empty():
		return "No response generated."
	}
	return reply.Text
}

// handleChatSession pins a browser to a session: without one it redirects to
// a freshly minted session id.
func (s *Server) handleChatSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		target := "/chat?session_id=" + url.QueryEscape(s.newSessionID())
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	sessionID := s.newSessionID()
	conv := domain.Conversation{ChannelUserID: httpUserID, SessionID: sessionID}
	if err := s.cfg.History.EnsureConversation(r.Context(), conv); err != nil {
		s.logger.Warn("create session failed", "session", sessionID, "err", err)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

type historyTurn struct {
	Role      domain.Role `json:"role"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}

type historyResponse struct {
	History  []historyTurn `json:"history"`
	Sessions []string      `json:"sessions"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := historyResponse{History: []historyTurn{}, Sessions: []string{}}

	convs, err := s.cfg.History.ListConversations(ctx, historySessionCap)
	if err != nil {
		s.logger.Warn("list conversations failed", "err", err)
	}
	for _, c := range convs {
		resp.Sessions = append(resp.Sessions, c.ID())
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID != "" {
		turns, err := s.cfg.History.Replay(ctx, sessionID)
		if err != nil {
			s.logger.Error("replay failed", "session", sessionID, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		for _, t := range turns {
			resp.History = append(resp.History, historyTurn{Role: t.Role, Text: t.Text, CreatedAt: t.CreatedAt})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  metrics.Collector.Uptime().Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
