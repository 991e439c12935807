package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cordum/jobgate/core/infra/buildinfo"
	"github.com/cordum/jobgate/core/infra/logging"
	"github.com/cordum/jobgate/core/infra/metrics"
	"github.com/cordum/jobgate/core/infra/packages"
	"github.com/cordum/jobgate/core/infra/schema"
	"github.com/cordum/jobgate/core/jobs"
	"github.com/gorilla/websocket"
)

const (
	maxSubmitBodyBytes  = 1 << 20
	maxPackageBodyBytes = 512 << 20
	tailWriteTimeout    = 10 * time.Second
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BusStatus reports the event bus connection state.
type BusStatus interface {
	IsConnected() bool
	Status() string
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	Packages       packages.Store
	PinTTL         time.Duration
	SessionName    string
	Metrics        metrics.GatewayMetrics
	APIKeys        []string
	AllowedOrigins []string
	// MetadataStore and Bus feed GET /api/status when set.
	MetadataStore Pinger
	Bus           BusStatus
}

// Server exposes the job service over HTTP.
type Server struct {
	svc      *Service
	relay    *TailRelay
	packages packages.Store
	pinTTL   time.Duration
	session  string
	metrics  metrics.GatewayMetrics
	keys     *keyring
	origins  *originPolicy
	upgrader websocket.Upgrader
	meta     Pinger
	bus      BusStatus
	started  time.Time
}

// NewServer builds the HTTP front of svc.
func NewServer(svc *Service, relay *TailRelay, opts ServerOptions) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	s := &Server{
		svc:      svc,
		relay:    relay,
		packages: opts.Packages,
		pinTTL:   opts.PinTTL,
		session:  opts.SessionName,
		metrics:  opts.Metrics,
		keys:     newKeyring(opts.APIKeys),
		origins:  newOriginPolicy(opts.AllowedOrigins),
		meta:     opts.MetadataStore,
		bus:      opts.Bus,
		started:  time.Now().UTC(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.origins.allows,
	}
	return s
}

// Handler returns the routed handler with auth and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/version", s.instrumented("/api/version", s.handleVersion))
	mux.HandleFunc("GET /api/status", s.instrumented("/api/status", s.handleStatus))

	mux.HandleFunc("GET /api/packages/{protocol}/{name}", s.instrumented("/api/packages/{protocol}/{name}", s.handleGetPackage))
	mux.HandleFunc("PUT /api/packages/{protocol}/{name}", s.instrumented("/api/packages/{protocol}/{name}", s.handleUploadPackage))

	// the collection is served with and without the trailing slash
	mux.HandleFunc("POST /api/jobs/{$}", s.instrumented("/api/jobs/", s.handleSubmitJob))
	mux.HandleFunc("POST /api/jobs", s.instrumented("/api/jobs/", s.handleSubmitJob))
	mux.HandleFunc("GET /api/jobs/{$}", s.instrumented("/api/jobs/", s.handleListJobs))
	mux.HandleFunc("GET /api/jobs", s.instrumented("/api/jobs/", s.handleListJobs))

	mux.HandleFunc("GET /api/jobs/{id}", s.instrumented("/api/jobs/{id}", s.handleGetJob))
	mux.HandleFunc("DELETE /api/jobs/{id}", s.instrumented("/api/jobs/{id}", s.handleDeleteJob))
	mux.HandleFunc("POST /api/jobs/{id}/stop", s.instrumented("/api/jobs/{id}/stop", s.handleStopJob))
	mux.HandleFunc("GET /api/jobs/{id}/logs", s.instrumented("/api/jobs/{id}/logs", s.handleJobLogs))
	mux.HandleFunc("GET /api/jobs/{id}/logs/tail", s.instrumented("/api/jobs/{id}/logs/tail", s.handleTailJobLogs))

	return corsMiddleware(s.origins, apiKeyMiddleware(s.keys, mux))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Response(s.session))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	out := map[string]any{
		"time":             now.Format(time.RFC3339),
		"uptime_seconds":   int64(now.Sub(s.started).Seconds()),
		"session_name":     s.session,
		"selection_policy": s.svc.selector.Policy(),
		"agent_clients":    s.svc.pool.Size(),
	}
	if s.meta != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := s.meta.Ping(ctx)
		cancel()
		meta := map[string]any{"ok": err == nil}
		if err != nil {
			meta["error"] = err.Error()
		}
		out["metadata_store"] = meta
	}
	if s.bus != nil {
		out["nats"] = map[string]any{
			"connected": s.bus.IsConnected(),
			"status":    s.bus.Status(),
		}
	}
	writeJSON(w, out)
}

func (s *Server) packageURI(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.packages == nil {
		http.Error(w, "package store unavailable", http.StatusServiceUnavailable)
		return "", false
	}
	uri, err := packages.URI(r.PathValue("protocol"), r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return uri, true
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	uri, ok := s.packageURI(w, r)
	if !ok {
		return
	}
	if err := s.packages.Pin(r.Context(), uri, s.pinTTL); err != nil {
		writeError(w, internal(fmt.Sprintf("Failed to pin package %s", uri), err))
		return
	}
	exists, err := s.packages.Exists(r.Context(), uri)
	if err != nil {
		writeError(w, internal(fmt.Sprintf("Failed to check package %s", uri), err))
		return
	}
	if !exists {
		http.Error(w, fmt.Sprintf("Package %s does not exist", uri), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUploadPackage(w http.ResponseWriter, r *http.Request) {
	uri, ok := s.packageURI(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPackageBodyBytes))
	if err != nil {
		http.Error(w, "failed to read package body", http.StatusBadRequest)
		return
	}
	if err := s.packages.Upload(r.Context(), uri, body); err != nil {
		writeError(w, internal(fmt.Sprintf("Failed to upload package %s", uri), err))
		return
	}
	logging.Info("job-gateway", "package uploaded", "uri", uri, "bytes", len(body))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if err := schema.ValidateSubmitRequest(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req jobs.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	resp, err := s.svc.Submit(r.Context(), &req)
	if err != nil {
		s.logFailure("submit", req.SubmissionID, err)
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, job)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp, err := s.svc.Stop(r.Context(), id)
	if err != nil {
		s.logFailure("stop", id, err)
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp, err := s.svc.Delete(r.Context(), id)
	if err != nil {
		s.logFailure("delete", id, err)
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp, err := s.svc.Logs(r.Context(), id)
	if err != nil {
		s.logFailure("logs", id, err)
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleTailJobLogs(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.PrepareTail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// reader detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := &wsSink{conn: ws}
	err = s.relay.Run(ctx, job, sink)
	switch {
	case err == nil:
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	case errors.Is(err, context.Canceled):
	default:
		logging.Warn("job-gateway", "log tail failed", "submission_id", job.SubmissionID, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "log tail failed"),
			time.Now().Add(time.Second))
	}
}

// wsSink writes each frame as a websocket text message.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, frame string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(tailWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (s *Server) logFailure(op, id string, err error) {
	switch KindOf(err) {
	case KindNotFound, KindBadRequest:
		logging.Debug("job-gateway", op+" rejected", "id", id, "error", err)
	default:
		logging.Error("job-gateway", op+" failed", "id", id, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("job-gateway", "encode response failed", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	if r.status == http.StatusOK {
		r.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}
