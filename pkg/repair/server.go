package repair

import (
	"cmp"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/pkg/region"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

// Trailers sent with GET /extent/{eid}/data.
const (
	HeaderChecksum    = "X-Extent-Checksum"
	HeaderGeneration  = "X-Extent-Generation"
	HeaderFlushNumber = "X-Extent-Flush-Number"
	HeaderDirtyBlocks = "X-Extent-Dirty-Blocks"
)

// DefaultBindAddr is where the repair API listens by default.
const DefaultBindAddr = "127.0.0.1:4567"

// ServerConfig configures the repair API server.
type ServerConfig struct {
	BindAddr       string
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Minute
	}
}

type healthResponse struct {
	Status string `json:"status"`
	UUID   string `json:"region_uuid"`
}

type extentReport struct {
	region.ExtentInfo
	Checksum string `json:"checksum"`
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&problem{Title: http.StatusText(status), Status: status, Detail: detail})
}

// writeError maps a region error to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case regerrors.IsInvalidRequestError(err), regerrors.IsOutOfBoundsError(err):
		status = http.StatusBadRequest
	case regerrors.IsClosedError(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	writeProblem(w, status, err.Error())
}

// NewRouter returns the repair API handler for r.
//
// Routes:
//   - GET /health
//   - GET /region: region definition
//   - GET /extents: metadata of every extent
//   - GET /extent/{eid}: metadata and checksum of one extent
//   - GET /extent/{eid}/data: raw extent data; metadata and checksum follow
//     as trailers
func NewRouter(r *region.Region, requestTimeout time.Duration) http.Handler {
	h := &handler{region: r}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		router.Use(middleware.Timeout(requestTimeout))
	}

	router.Get("/health", h.health)
	router.Get("/region", h.definition)
	router.Get("/extents", h.extents)
	router.Route("/extent/{eid}", func(router chi.Router) {
		router.Get("/", h.extent)
		router.Get("/data", h.extentData)
	})
	return router
}

// Route describes one endpoint of the repair API.
type Route struct {
	Method      string `json:"method" yaml:"method"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Description string `json:"description" yaml:"description"`
}

var routeDescriptions = map[string]string{
	"/health":            "liveness and region UUID",
	"/region":            "region definition",
	"/extents":           "metadata of every extent",
	"/extent/{eid}":      "metadata and checksum of one extent",
	"/extent/{eid}/data": "raw extent data with metadata and checksum trailers",
}

// Routes lists the endpoints served by NewRouter, sorted by pattern.
func Routes() ([]Route, error) {
	router, ok := NewRouter(nil, 0).(chi.Routes)
	if !ok {
		return nil, fmt.Errorf("repair router does not expose its routes")
	}
	var routes []Route
	err := chi.Walk(router, func(method, pattern string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if len(pattern) > 1 {
			pattern = strings.TrimSuffix(pattern, "/")
		}
		routes = append(routes, Route{Method: method, Pattern: pattern, Description: routeDescriptions[pattern]})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(routes, func(a, b Route) int {
		return cmp.Or(strings.Compare(a.Pattern, b.Pattern), strings.Compare(a.Method, b.Method))
	})
	return routes, nil
}

type handler struct {
	region *region.Region
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", UUID: h.region.Def().UUID.String()})
}

func (h *handler) definition(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.region.Def())
}

func (h *handler) extents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.region.ExtentInfos())
}

func (h *handler) extentIndex(w http.ResponseWriter, req *http.Request) (int, bool) {
	raw := chi.URLParam(req, "eid")
	eid, err := strconv.Atoi(raw)
	if err != nil || eid < 0 || eid >= int(h.region.Def().ExtentCount) {
		writeProblem(w, http.StatusBadRequest, fmt.Sprintf("invalid extent %q", raw))
		return 0, false
	}
	return eid, true
}

func (h *handler) extent(w http.ResponseWriter, req *http.Request) {
	eid, ok := h.extentIndex(w, req)
	if !ok {
		return
	}
	info, sum, err := h.region.ExtentData(req.Context(), eid, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, extentReport{ExtentInfo: info, Checksum: hex.EncodeToString(sum)})
}

// countingWriter records whether anything reached the client.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (h *handler) extentData(w http.ResponseWriter, req *http.Request) {
	eid, ok := h.extentIndex(w, req)
	if !ok {
		return
	}

	w.Header().Set("Trailer", strings.Join([]string{HeaderChecksum, HeaderGeneration, HeaderFlushNumber, HeaderDirtyBlocks}, ", "))
	w.Header().Set("Content-Type", "application/octet-stream")

	cw := &countingWriter{w: w}
	info, sum, err := h.region.ExtentData(req.Context(), eid, cw)
	if err != nil {
		if cw.n == 0 {
			w.Header().Del("Trailer")
			writeError(w, err)
			return
		}
		// Headers are gone; the missing trailer tells the client.
		logger.Warn("extent stream aborted", logger.KeyExtent, eid, logger.KeyBytes, cw.n, logger.KeyError, err)
		return
	}

	w.Header().Set(HeaderChecksum, hex.EncodeToString(sum))
	w.Header().Set(HeaderGeneration, strconv.FormatUint(info.Generation, 10))
	w.Header().Set(HeaderFlushNumber, strconv.FormatUint(info.FlushNumber, 10))
	w.Header().Set(HeaderDirtyBlocks, strconv.FormatUint(info.DirtyBlocks, 10))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyBytes, ww.BytesWritten(),
			logger.KeyDurationMs, logger.Duration(start),
		}
		if r.URL.Path == "/health" {
			logger.Debug("repair API request", logArgs...)
		} else {
			logger.Info("repair API request", logArgs...)
		}
	})
}

// Server serves the repair API for one region.
type Server struct {
	server       *http.Server
	config       ServerConfig
	mu           sync.Mutex
	listener     net.Listener
	shutdownOnce sync.Once
}

// NewServer creates a stopped repair API server.
func NewServer(r *region.Region, config ServerConfig) *Server {
	config.applyDefaults()
	return &Server{
		config: config,
		server: &http.Server{
			Addr:        config.BindAddr,
			Handler:     NewRouter(r, config.RequestTimeout),
			ReadTimeout: config.ReadTimeout,
			IdleTimeout: config.IdleTimeout,
		},
	}
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.BindAddr)
	if err != nil {
		return fmt.Errorf("repair API listen on %s: %w", s.config.BindAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("repair API listening", logger.KeyAddress, ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("repair API failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("repair API shutdown: %w", err)
			return
		}
		logger.Info("repair API stopped")
	})
	return shutdownErr
}

// Addr returns the bound address once Start has begun listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
