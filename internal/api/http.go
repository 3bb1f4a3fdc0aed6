package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/commit"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/kernel"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/logstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/table"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"
	maxBodyBytes      = 16 << 20
)

// Server exposes the tables of a Manager over HTTP.
type Server struct {
	tables   *table.Manager
	logger   *zap.Logger
	gatherer prometheus.Gatherer
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer selects the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// NewHTTP wraps a table manager with HTTP handlers.
func NewHTTP(m *table.Manager, opts ...Option) *Server {
	s := &Server{tables: m, logger: zap.NewNop(), gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the chi router serving the REST endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/tables", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{name}", func(r chi.Router) {
			r.Put("/", s.handleCreate)
			r.Post("/commits", s.handleCommit)
			r.Get("/head", s.handleHead)
			r.Get("/versions/{version}", s.handleReadVersion)
			r.Get("/history", s.handleHistory)
			r.Get("/state", s.handleState)
			r.Post("/checkpoint", s.handleCheckpoint)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tables": len(s.tables.Names())})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tables": s.tables.Names()})
}

// CreateRequest is the body of PUT /tables/{name}.
type CreateRequest struct {
	Metadata protocol.Metadata `json:"metadata"`
	Protocol protocol.Protocol `json:"protocol"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	var req CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Metadata.ID == "" {
		md := protocol.NewMetadata(req.Metadata.Name, req.Metadata.SchemaString,
			req.Metadata.PartitionColumns, req.Metadata.Configuration).Metadata
		md.Description = req.Metadata.Description
		req.Metadata = *md
	}
	if req.Protocol.MinReaderVersion == 0 && req.Protocol.MinWriterVersion == 0 {
		req.Protocol = protocol.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}
	}
	version, err := t.Create(r.Context(), req.Metadata, req.Protocol)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": version})
}

// CommitRequest is the body of POST /tables/{name}/commits. A missing
// expectedVersion commits on top of the latest version the server knows.
type CommitRequest struct {
	ExpectedVersion     *int64            `json:"expectedVersion,omitempty"`
	Operation           string            `json:"operation,omitempty"`
	OperationParameters map[string]any    `json:"operationParameters,omitempty"`
	EngineInfo          string            `json:"engineInfo,omitempty"`
	Actions             []protocol.Action `json:"actions"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	var req CommitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	expected := t.Version()
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	} else if v, err := t.Update(r.Context()); err == nil {
		expected = v
	}
	opts := []commit.CommitOption{}
	if req.Operation != "" {
		opts = append(opts, commit.WithOperation(req.Operation, req.OperationParameters))
	}
	if req.EngineInfo != "" {
		opts = append(opts, commit.WithEngineInfo(req.EngineInfo))
	}
	res, err := t.Commit(r.Context(), expected, req.Actions, opts...)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": res.Version, "attempts": res.Attempts})
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	version, err := t.Update(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version})
}

// handleReadVersion returns the commit exactly as stored: one action per line.
func (s *Server) handleReadVersion(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid version")
		return
	}
	body, err := t.ReadVersionRaw(r.Context(), version)
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeNDJSON)
	_, _ = w.Write(body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	entries, err := t.History(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	type entry struct {
		Version    int64                `json:"version"`
		NumActions int                  `json:"numActions"`
		CommitInfo *protocol.CommitInfo `json:"commitInfo,omitempty"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{Version: e.Version, NumActions: e.NumActions, CommitInfo: e.Info})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

// StateResponse is the materialized table returned by GET /tables/{name}/state.
type StateResponse struct {
	Version  int64                 `json:"version"`
	Protocol *protocol.Protocol    `json:"protocol,omitempty"`
	Metadata *protocol.Metadata    `json:"metadata,omitempty"`
	Files    []protocol.AddFile    `json:"files"`
	Removed  []protocol.RemoveFile `json:"removed,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	if _, err := t.Update(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	snap := t.Snapshot()
	resp := StateResponse{Version: snap.Version(), Files: snap.Files(), Removed: snap.Tombstones()}
	if snap.HasProtocol() {
		p := snap.Protocol()
		resp.Protocol = &p
	}
	if snap.HasMetadata() {
		md := snap.Metadata()
		resp.Metadata = &md
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	version, err := t.Checkpoint(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version})
}

func (s *Server) table(w http.ResponseWriter, r *http.Request) (*table.Table, bool) {
	t, err := s.tables.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return nil, false
	}
	return t, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid payload: "+err.Error())
		return false
	}
	return true
}

// respondError maps an error from any layer to a status code and the kind
// name reported to clients.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("kind", kind), zap.Error(err))
	}
	writeError(w, status, kind, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, table.ErrTableNotFound):
		return http.StatusNotFound, "TableNotFound"
	case errors.Is(err, table.ErrTableExists):
		return http.StatusConflict, "TableExists"
	case errors.Is(err, table.ErrVersionAhead):
		return http.StatusConflict, "VersionAhead"
	case errors.Is(err, table.ErrTableNotCreated):
		return http.StatusConflict, "TableNotCreated"
	case errors.Is(err, commit.ErrEmptyCommit), errors.Is(err, table.ErrEmptyTransaction):
		return http.StatusBadRequest, "EmptyCommit"
	case errors.Is(err, logstore.ErrVersionNotFound):
		return http.StatusNotFound, logstore.KindVersionNotFound.String()
	}

	var terr *protocol.TransactionError
	if errors.As(err, &terr) {
		switch terr.Kind {
		case protocol.TxnCommitConflict, protocol.TxnMaxCommitAttempts, protocol.TxnVersionAlreadyExists:
			return http.StatusConflict, terr.Kind.String()
		case protocol.TxnDeltaTableAppendOnly, protocol.TxnUnsupportedReaderFeatures,
			protocol.TxnUnsupportedWriterFeatures, protocol.TxnWriterFeaturesRequired:
			return http.StatusUnprocessableEntity, terr.Kind.String()
		case protocol.TxnSerializeLogJSON:
			return http.StatusBadRequest, terr.Kind.String()
		default:
			return http.StatusInternalServerError, terr.Kind.String()
		}
	}
	var lerr *logstore.Error
	if errors.As(err, &lerr) {
		return http.StatusInternalServerError, lerr.Kind.String()
	}
	var kerr *kernel.Error
	if errors.As(err, &kerr) {
		return http.StatusInternalServerError, kerr.Kind.String()
	}
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		return http.StatusBadRequest, "Protocol"
	}
	return http.StatusInternalServerError, "Generic"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}
