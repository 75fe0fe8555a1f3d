// Package api is the local control surface of the daemon: an HTTP API
// served over a unix socket in the session directory. Clients drive
// sign-in, conversations, sending, search and the live event stream
// through it.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/bus"
	"github.com/connexa/chatsync/internal/chat"
	"github.com/connexa/chatsync/internal/daemon"
	"github.com/connexa/chatsync/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server exposes the daemon core over HTTP.
type Server struct {
	core    *daemon.Core
	db      *store.DB
	bus     *bus.Bus
	session string
	started time.Time
	logger  *zap.Logger
}

// NewServer creates the control API over a running core.
func NewServer(core *daemon.Core, db *store.DB, b *bus.Bus, sessionName string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		core:    core,
		db:      db,
		bus:     b,
		session: sessionName,
		started: time.Now(),
		logger:  logger,
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/session", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/v1/session/signin", s.handleSignIn).Methods(http.MethodPost)
	r.HandleFunc("/v1/session/signout", s.handleSignOut).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations", s.handleListConversations).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations", s.handleEnsureConversation).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/viewed", s.handleMarkViewed).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/typing", s.handleTyping).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{client_msg_id}/retry", s.handleRetry).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

type sessionResponse struct {
	Session string `json:"session"`
	Status  string `json:"status"`
	User    string `json:"user,omitempty"`
	UptimeS int64  `json:"uptime_s"`
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	resp := sessionResponse{
		Session: s.session,
		Status:  string(s.core.Status()),
		UptimeS: int64(time.Since(s.started).Seconds()),
	}
	if user, ok := s.core.CurrentUser(); ok {
		resp.User = user
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		httpError(w, http.StatusBadRequest, "token required")
		return
	}
	if err := s.core.SignIn(r.Context(), req.Token); err != nil {
		httpError(w, http.StatusUnauthorized, err.Error())
		return
	}
	user, _ := s.core.CurrentUser()
	writeJSON(w, http.StatusOK, map[string]string{"user": user})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.core.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type conversationRow struct {
	ConversationID     string `json:"conversation_id"`
	Other              string `json:"other"`
	LastMessageSummary string `json:"last_message_summary"`
	LastUpdated        int64  `json:"last_updated"`
	Unread             int    `json:"unread"`
	OtherTyping        bool   `json:"other_typing"`
	OtherOnline        bool   `json:"other_online"`
	OtherLastSeen      int64  `json:"other_last_seen,omitempty"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	ix := s.core.Index()
	if ix == nil {
		httpError(w, http.StatusConflict, "not signed in")
		return
	}
	rows := []conversationRow{}
	for _, sum := range ix.List() {
		rows = append(rows, conversationRow{
			ConversationID:     sum.ConversationID,
			Other:              sum.Other,
			LastMessageSummary: sum.LastMessageSummary,
			LastUpdated:        sum.LastUpdated,
			Unread:             sum.Unread,
			OtherTyping:        sum.OtherTyping,
			OtherOnline:        sum.OtherOnline,
			OtherLastSeen:      sum.OtherLastSeen,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": rows})
}

func (s *Server) handleEnsureConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Peer string `json:"peer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Peer == "" {
		httpError(w, http.StatusBadRequest, "peer required")
		return
	}
	id, err := s.core.EnsureConversation(r.Context(), req.Peer)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id})
}

type messageRow struct {
	MsgID     string `json:"msg_id"`
	Sender    string `json:"sender"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	Payload   string `json:"payload"`
	Read      bool   `json:"read"`
	Deleted   bool   `json:"deleted"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 50)
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)

	msgs, err := s.db.ListMessages(conversationID, before, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, messageRow{
			MsgID:     m.MsgID,
			Sender:    m.Sender,
			Kind:      m.Kind,
			Body:      m.Body,
			Payload:   m.Payload,
			Read:      m.Read,
			Deleted:   m.Deleted,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": rows,
		"has_more": len(msgs) == limit,
	})
}

type sendRequest struct {
	Kind      string   `json:"kind"`
	Text      string   `json:"text,omitempty"`
	LocalFile string   `json:"local_file,omitempty"`
	FileName  string   `json:"file_name,omitempty"`
	Latitude  float64  `json:"latitude,omitempty"`
	Longitude float64  `json:"longitude,omitempty"`
	Address   string   `json:"address,omitempty"`
	Contact   string   `json:"contact_name,omitempty"`
	Phones    []string `json:"phone_numbers,omitempty"`
	Emails    []string `json:"emails,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !chat.ValidKind(req.Kind) {
		httpError(w, http.StatusBadRequest, "unknown message kind "+strconv.Quote(req.Kind))
		return
	}
	payload := chat.Payload{
		Text:         req.Text,
		FileName:     req.FileName,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Address:      req.Address,
		ContactName:  req.Contact,
		PhoneNumbers: req.Phones,
		Emails:       req.Emails,
	}
	id, err := s.core.Send(r.Context(), conversationID, chat.Kind(req.Kind), payload, req.LocalFile)
	if err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"msg_id": id})
}

func (s *Server) handleMarkViewed(w http.ResponseWriter, r *http.Request) {
	if err := s.core.MarkViewed(r.Context(), mux.Vars(r)["id"]); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	if err := s.core.AnnounceTyping(r.Context(), mux.Vars(r)["id"]); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.core.RetrySend(mux.Vars(r)["client_msg_id"]); err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRow struct {
	ConversationID string `json:"conversation_id"`
	MsgID          string `json:"msg_id"`
	Sender         string `json:"sender"`
	Body           string `json:"body"`
	Snippet        string `json:"snippet"`
	CreatedAt      int64  `json:"created_at"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		httpError(w, http.StatusBadRequest, "q required")
		return
	}
	results, err := s.core.Search(q, r.URL.Query().Get("conversation_id"), queryInt(r, "limit", 50))
	if errors.Is(err, store.ErrSearchUnavailable) {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows := make([]searchRow, 0, len(results))
	for _, res := range results {
		rows = append(rows, searchRow{
			ConversationID: res.Message.ConversationID,
			MsgID:          res.Message.MsgID,
			Sender:         res.Message.Sender,
			Body:           res.Message.Body,
			Snippet:        res.Snippet,
			CreatedAt:      res.Message.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": rows})
}

type eventEnvelope struct {
	EventID          string `json:"event_id"`
	Session          string `json:"session"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	Payload          any    `json:"payload,omitempty"`
}

// handleEvents streams bus events over a websocket. The prefix query
// parameter narrows the stream, e.g. prefix=sync. for sync events only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch, unsub := s.bus.Subscribe(r.URL.Query().Get("prefix"), 256)
	defer unsub()

	// Watch for the peer closing its end.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-ch:
			env := eventEnvelope{
				EventID:          uuid.New().String(),
				Session:          s.session,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          evt.Payload,
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
