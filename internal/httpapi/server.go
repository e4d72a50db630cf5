package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devgold123/isotope-mail/internal/cache"
	"github.com/devgold123/isotope-mail/internal/config"
	"github.com/devgold123/isotope-mail/internal/email"
	"github.com/devgold123/isotope-mail/pkg/types"
)

// Server exposes the mailbox engine over a JSON HTTP API. Credentials
// travel with every request: basic auth carries user and password, the
// X-Imap-Host / X-Imap-Port / X-Imap-Ssl headers carry the target
// server.
type Server struct {
	config       *config.Config
	logger       *logrus.Logger
	emailManager *email.Manager
	cacheStore   *cache.Store
	httpServer   *http.Server
}

// NewServer creates a new HTTP API server instance
func NewServer(cfg *config.Config, emailManager *email.Manager, cacheStore *cache.Store, logger *logrus.Logger) *Server {
	s := &Server{
		config:       cfg,
		logger:       logger,
		emailManager: emailManager,
		cacheStore:   cacheStore,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/application/login", s.handleLogin)
	mux.HandleFunc("GET /api/v1/folders", s.handleListFolders)
	mux.HandleFunc("GET /api/v1/folders/{folderId}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/v1/folders/{folderId}/messages/cached", s.handleListCachedMessages)
	mux.HandleFunc("GET /api/v1/folders/{folderId}/messages/{uid}", s.handleGetMessage)
	mux.HandleFunc("GET /api/v1/folders/{folderId}/messages/{uid}/attachments/{id}", s.handleGetAttachment)
	mux.HandleFunc("PUT /api/v1/folders/{folderId}/messages/seen/{seen}", s.handleSetSeen)
	mux.HandleFunc("PUT /api/v1/folders/{fromFolderId}/messages/folder/{toFolderId}", s.handleMoveMessages)
	mux.HandleFunc("GET /api/v1/search", s.handleSearch)

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP API server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
}

func (s *Server) credentials(r *http.Request) (*types.Credentials, error) {
	user, password, ok := r.BasicAuth()
	if !ok {
		return nil, errors.New("missing basic auth credentials")
	}
	host := r.Header.Get("X-Imap-Host")
	if host == "" {
		return nil, errors.New("missing X-Imap-Host header")
	}
	port := 993
	if v := r.Header.Get("X-Imap-Port"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid X-Imap-Port header: %w", err)
		}
		port = p
	}
	ssl := true
	if v := r.Header.Get("X-Imap-Ssl"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid X-Imap-Ssl header: %w", err)
		}
		ssl = b
	}
	return &types.Credentials{
		ServerHost: host,
		ServerPort: port,
		User:       user,
		Password:   password,
		IMAPSSL:    ssl,
	}, nil
}

// account keys cache rows per user and server, without credentials.
func account(creds *types.Credentials) string {
	return fmt.Sprintf("%s@%s:%d", creds.User, creds.ServerHost, creds.ServerPort)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds types.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid credentials payload: %w", err))
		return
	}
	validated, err := s.emailManager.CheckCredentials(r.Context(), &creds)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	// Never echo the password back
	validated.Password = ""
	s.writeJSON(w, http.StatusOK, validated)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	loadChildren := r.URL.Query().Get("loadChildren") != "false"
	folders, err := s.emailManager.ListFolders(r.Context(), creds, loadChildren)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	acct := account(creds)
	for _, f := range flatten(folders) {
		if _, err := s.cacheStore.UpsertFolder(acct, f.FullName, f.MessageCount, f.UnreadMessageCount, 0); err != nil {
			s.logger.WithError(err).WithField("folder", f.FullName).Warn("Failed to cache folder")
		}
	}
	s.writeJSON(w, http.StatusOK, folders)
}

func flatten(folders []*types.Folder) []*types.Folder {
	var out []*types.Folder
	for _, f := range folders {
		out = append(out, f)
		out = append(out, flatten(f.Children)...)
	}
	return out
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	ref := types.FolderRef(r.PathValue("folderId"))
	q := r.URL.Query()
	start, end, err := s.messageWindow(q)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	fetchModseq := q.Get("modseq") == "true"

	messages, err := s.emailManager.ListMessages(r.Context(), creds, ref, start, end, fetchModseq)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if path, perr := ref.Path(); perr == nil {
		if cerr := s.cacheStore.RecordMessages(account(creds), path, messages); cerr != nil {
			s.logger.WithError(cerr).WithField("folder", path).Warn("Failed to cache envelopes")
		}
	}
	s.writeJSON(w, http.StatusOK, messages)
}

// messageWindow resolves the requested 1-based sequence window. With no
// window supplied the first page spans the configured initial batch
// size; an explicit window is capped at the configured maximum.
func (s *Server) messageWindow(q url.Values) (int, int, error) {
	start, end := 0, 0
	if v := q.Get("start"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid start value %q", v)
		}
		start = n
	}
	if v := q.Get("end"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid end value %q", v)
		}
		end = n
	}
	if start == 0 && end == 0 {
		return 1, s.config.InitialMessagesBatchSize, nil
	}
	if start > 0 && end > 0 && end-start+1 > s.config.MaxMessagesBatchSize {
		end = start + s.config.MaxMessagesBatchSize - 1
	}
	return start, end, nil
}

// cachedFolderMessages is the cached-list response: the envelope
// summaries recorded for the folder plus the modseq watermark observed
// when they were recorded, so clients can decide whether a live fetch
// is needed.
type cachedFolderMessages struct {
	HighestModSeq uint64           `json:"highest_modseq"`
	Messages      []*types.Message `json:"messages"`
}

func (s *Server) handleListCachedMessages(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	path, err := types.FolderRef(r.PathValue("folderId")).Path()
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit value %q", v))
			return
		}
	}
	acct := account(creds)
	watermark, err := s.cacheStore.Watermark(acct, path)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	messages, err := s.cacheStore.ListMessages(acct, path, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	s.writeJSON(w, http.StatusOK, cachedFolderMessages{
		HighestModSeq: watermark,
		Messages:      messages,
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	ref := types.FolderRef(r.PathValue("folderId"))
	uid, err := parseUID(r.PathValue("uid"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := s.emailManager.GetMessage(r.Context(), creds, ref, uid)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	ref := types.FolderRef(r.PathValue("folderId"))
	uid, err := parseUID(r.PathValue("uid"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id := r.PathValue("id")
	isContentID := r.URL.Query().Get("contentId") == "true"

	contentType, data, err := s.emailManager.GetAttachment(r.Context(), creds, ref, uid, id, isContentID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.WithError(err).Debug("Failed to write attachment body")
	}
}

func (s *Server) handleSetSeen(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	ref := types.FolderRef(r.PathValue("folderId"))
	seen, err := strconv.ParseBool(r.PathValue("seen"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid seen value: %w", err))
		return
	}
	var uids []uint32
	if err := json.NewDecoder(r.Body).Decode(&uids); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid uid list: %w", err))
		return
	}
	updated, err := s.emailManager.SetMessagesSeen(r.Context(), creds, ref, seen, uids)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleMoveMessages(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	fromRef := types.FolderRef(r.PathValue("fromFolderId"))
	toRef := types.FolderRef(r.PathValue("toFolderId"))
	var uids []uint32
	if err := json.NewDecoder(r.Body).Decode(&uids); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid uid list: %w", err))
		return
	}
	moved, err := s.emailManager.MoveMessages(r.Context(), creds, fromRef, toRef, uids)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if path, perr := fromRef.Path(); perr == nil {
		if cerr := s.cacheStore.ForgetMessages(account(creds), path, uids); cerr != nil {
			s.logger.WithError(cerr).WithField("folder", path).Warn("Failed to evict moved envelopes")
		}
	}
	s.writeJSON(w, http.StatusOK, moved)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	creds, err := s.credentials(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	q := r.URL.Query()
	opts := cache.SearchOptions{
		Account: account(creds),
		Query:   q.Get("q"),
	}
	if v := q.Get("folderId"); v != "" {
		path, perr := types.FolderRef(v).Path()
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid folder id: %w", perr))
			return
		}
		opts.Folder = &path
	}
	if v := q.Get("unseen"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid unseen value: %w", perr))
			return
		}
		opts.Unseen = &b
	}
	if v := q.Get("flagged"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid flagged value: %w", perr))
			return
		}
		opts.Flagged = &b
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	results, err := s.cacheStore.Search(opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func parseUID(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message uid: %w", err)
	}
	return uint32(v), nil
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var authErr *email.AuthenticationError
	var notFound *email.NotFoundError
	var cancelled *email.CancellationError
	var protoErr *email.ProtocolError

	switch {
	case errors.As(err, &authErr):
		s.writeError(w, http.StatusUnauthorized, err)
	case errors.As(err, &notFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.As(err, &cancelled):
		// Client went away; nothing useful to send
		s.logger.WithError(err).Debug("Request cancelled")
	case errors.As(err, &protoErr):
		s.writeError(w, http.StatusBadGateway, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
