// Package devserver is a self-contained development backend: an HTTP
// facade over the in-memory store with bcrypt accounts, JWT issuance, a
// websocket change feed and a local media upload endpoint that mimics
// the CDN contract. It exists so clients can be exercised end to end
// without any hosted infrastructure.
package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/backend/memory"
	"github.com/connexa/chatsync/internal/identity"
)

// serverTimestampMarker is the JSON stand-in for the write-time server
// clock, since the sentinel itself cannot travel as JSON.
const serverTimestampMarker = "$serverTimestamp"

const tokenTTL = 24 * time.Hour

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server is the development backend.
type Server struct {
	be       *memory.Backend
	secret   []byte
	mediaDir string
	baseURL  string
	logger   *zap.Logger

	mu    sync.Mutex
	users map[string]string // username -> bcrypt hash
}

// New creates a dev server over the given in-memory backend.
func New(be *memory.Backend, secret, mediaDir, baseURL string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		be:       be,
		secret:   []byte(secret),
		mediaDir: mediaDir,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
		users:    make(map[string]string),
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	// Unsigned-preset uploads carry no credentials, matching the CDN
	// contract the media client speaks.
	r.HandleFunc("/media/upload", s.handleUpload).Methods(http.MethodPost)
	r.PathPrefix("/media/").Handler(
		http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir)))).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/docs/{path:.+}", s.handlePutDoc).Methods(http.MethodPut)
	api.HandleFunc("/docs/{path:.+}", s.handleGetDoc).Methods(http.MethodGet)
	api.HandleFunc("/docs/{path:.+}", s.handleDeleteDoc).Methods(http.MethodDelete)
	api.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/batch", s.handleBatch).Methods(http.MethodPost)
	api.HandleFunc("/presence/online", s.handleOnline).Methods(http.MethodPost)
	api.HandleFunc("/presence/offline", s.handleOffline).Methods(http.MethodPost)
	api.HandleFunc("/presence/{user}", s.handlePresence).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleFeed).Methods(http.MethodGet)
	return r
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 20 {
		httpError(w, http.StatusBadRequest, "username must be 3-20 characters")
		return
	}
	if len(req.Password) < 6 {
		httpError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.mu.Lock()
	_, taken := s.users[req.Username]
	if !taken {
		s.users[req.Username] = string(hash)
	}
	s.mu.Unlock()
	if taken {
		httpError(w, http.StatusConflict, "username already taken")
		return
	}

	s.logger.Info("user registered", zap.String("username", req.Username))
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": req.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	hash, ok := s.users[strings.TrimSpace(req.Username)]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		httpError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, err := identity.Issue(s.secret, req.Username, tokenTTL)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user_id": req.Username})
}

type ctxKey string

const userKey ctxKey = "user"

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		// The websocket client cannot set headers from a browser, so
		// the feed also accepts the token as a query parameter.
		if raw == "" {
			raw = "Bearer " + r.URL.Query().Get("token")
		}
		token := strings.TrimPrefix(raw, "Bearer ")
		userID, err := identity.Verify(s.secret, token)
		if err != nil {
			httpError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func currentUser(r *http.Request) string {
	u, _ := r.Context().Value(userKey).(string)
	return u
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		httpError(w, http.StatusBadRequest, "invalid fields")
		return
	}
	if err := s.be.Put(r.Context(), path, resolveMarkers(fields)); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	doc, err := s.be.Get(r.Context(), path)
	if err != nil {
		if backend.IsNotFound(err) {
			httpError(w, http.StatusNotFound, "document not found")
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": doc.Path, "fields": doc.Fields})
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if err := s.be.Delete(r.Context(), path); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

type queryRequest struct {
	Collection string         `json:"collection"`
	Equals     map[string]any `json:"equals"`
	OrderBy    string         `json:"orderBy"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid query")
		return
	}
	docs, err := s.be.Query(r.Context(), backend.Query{
		Collection: req.Collection,
		Equals:     req.Equals,
		OrderBy:    req.OrderBy,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, map[string]any{"path": d.Path, "fields": d.Fields})
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": out})
}

type batchItem struct {
	Path  string `json:"path"`
	Field string `json:"field"`
	Value any    `json:"value"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var items []batchItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		httpError(w, http.StatusBadRequest, "invalid batch")
		return
	}
	updates := make([]backend.FieldUpdate, 0, len(items))
	for _, it := range items {
		v := it.Value
		if v == serverTimestampMarker {
			v = backend.ServerTimestamp
		}
		updates = append(updates, backend.FieldUpdate{Path: it.Path, Field: it.Field, Value: v})
	}
	if err := s.be.BatchUpdate(r.Context(), updates); err != nil {
		if backend.IsNotFound(err) {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": len(updates)})
}

// handleUpload stores the file locally and answers with the same JSON
// shape the media client expects from the real CDN.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "file part missing")
		return
	}
	defer func() { _ = file.Close() }()

	name := uuid.NewString() + filepath.Ext(header.Filename)
	dst := filepath.Join(s.mediaDir, name)
	out, err := os.Create(dst)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "cannot store upload")
		return
	}
	n, err := io.Copy(out, file)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "cannot store upload")
		return
	}

	s.logger.Info("media stored", zap.String("file", name), zap.Int64("bytes", n))
	writeJSON(w, http.StatusOK, map[string]any{
		"secure_url": s.baseURL + "/media/" + name,
		"bytes":      n,
	})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if err := s.be.SetOnline(r.Context(), currentUser(r), time.Minute); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": true})
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	if err := s.be.SetOffline(r.Context(), currentUser(r), time.Now()); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": false})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	st, err := s.be.Status(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": st.Online, "lastSeen": st.LastSeen})
}

// feedMessage is one websocket frame on the change feed.
type feedMessage struct {
	Type   string           `json:"type"` // snapshot, added, modified, removed
	Docs   []map[string]any `json:"docs,omitempty"`
	Path   string           `json:"path,omitempty"`
	Fields map[string]any   `json:"fields,omitempty"`
}

// handleFeed streams the snapshot and then every change for a query
// over a websocket connection.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	q := backend.Query{
		Collection: r.URL.Query().Get("collection"),
		OrderBy:    r.URL.Query().Get("orderBy"),
	}
	if q.Collection == "" {
		httpError(w, http.StatusBadRequest, "collection is required")
		return
	}

	sub, err := s.be.Subscribe(r.Context(), q)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Stop()
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	snapshot := feedMessage{Type: "snapshot"}
	for _, d := range sub.Snapshot {
		snapshot.Docs = append(snapshot.Docs, map[string]any{"path": d.Path, "fields": d.Fields})
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		sub.Stop()
		_ = conn.Close()
		return
	}

	// Reader goroutine: its only job is to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			sub.Stop()
			_ = conn.Close()
		}()
		for {
			select {
			case change, ok := <-sub.Events:
				if !ok {
					return
				}
				msg := feedMessage{
					Type:   changeLabel(change.Kind),
					Path:   change.Doc.Path,
					Fields: change.Doc.Fields,
				}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

func changeLabel(k backend.ChangeKind) string {
	switch k {
	case backend.Added:
		return "added"
	case backend.Modified:
		return "modified"
	case backend.Removed:
		return "removed"
	}
	return "unknown"
}

// resolveMarkers swaps the JSON timestamp marker for the real sentinel.
func resolveMarkers(fields map[string]any) map[string]any {
	for k, v := range fields {
		if v == serverTimestampMarker {
			fields[k] = backend.ServerTimestamp
		}
	}
	return fields
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
