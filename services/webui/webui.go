// Package webui serves the sample history over HTTP: an index page, CSV,
// binary and raw exports, a small client-side marks blob, the fan-cleaning
// action and optionally Prometheus metrics.
package webui

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"aqm-go/errcode"
	"aqm-go/store"
	"aqm-go/x/timex"
)

const (
	pathIndex    = "/"
	pathCSV      = "/data/all/latest-first/samples.csv"
	pathBinary   = "/data/all/latest-first/samples.8Bms_16Bsen5x_tuples.bin"
	pathRaw      = "/data/all/latest-first/samples.debug.raw"
	pathMarks    = "/data/marks.bin"
	pathFanClean = "/fan-clean"
	pathMetrics  = "/metrics"
	pathStatic   = "/static/"
)

// FanCleaner is the fan-cleaning action offered on the index page.
type FanCleaner interface {
	Allowed() (bool, time.Duration)
	Clean(ctx context.Context) error
}

type Config struct {
	Title      string
	URLPrefix  string // without trailing slash, "" for root
	MarksBytes int
	StaticDir  string       // served under /static/ when set
	Metrics    http.Handler // served at /metrics when set
	Verbose    bool         // log every request at info level

	Clock  timex.Clock
	Logger *slog.Logger
}

type Server struct {
	st  *store.Store
	fan FanCleaner
	cfg Config
	clk timex.Clock
	log *slog.Logger

	mu    sync.Mutex
	marks []byte
}

// New returns a server exporting st. fan may be nil to hide the action.
func New(st *store.Store, fan FanCleaner, cfg Config) *Server {
	s := &Server{st: st, fan: fan, cfg: cfg, clk: timex.Or(cfg.Clock), log: cfg.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "webui")
	return s
}

// Handler returns the routed handler, mounted under the URL prefix.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	sr := r
	if s.cfg.URLPrefix != "" {
		sr = r.PathPrefix(s.cfg.URLPrefix).Subrouter()
	}
	s.LoadAPI(sr)
	return r
}

// LoadAPI registers all endpoints on r.
func (s *Server) LoadAPI(r *mux.Router) {
	r.HandleFunc(pathIndex, s.index).Methods("GET")
	r.HandleFunc("/index.html", s.index).Methods("GET")
	r.HandleFunc(pathCSV, s.exportCSV).Methods("GET")
	r.HandleFunc(pathBinary, s.exportBinary).Methods("GET")
	r.HandleFunc(pathRaw, s.exportRaw).Methods("GET")
	r.HandleFunc(pathMarks, s.getMarks).Methods("GET")
	r.HandleFunc(pathMarks, s.putMarks).Methods("PUT")
	r.HandleFunc(pathFanClean, s.fanClean).Methods("GET")
	if s.cfg.Metrics != nil {
		r.Handle(pathMetrics, s.cfg.Metrics).Methods("GET")
	}
	if s.cfg.StaticDir != "" {
		r.PathPrefix(pathStatic).Handler(http.StripPrefix(
			s.cfg.URLPrefix+pathStatic, http.FileServer(http.Dir(s.cfg.StaticDir))))
	}
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("listening", "addr", addr, "prefix", s.cfg.URLPrefix)

	select {
	case err := <-errc:
		return errcode.Wrap(errcode.IO, "webui", err)
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.n += n
	return n, err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if s.cfg.Verbose {
			level = slog.LevelInfo
		}
		s.log.Log(r.Context(), level, "request",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "bytes", rec.n, "took", time.Since(start))
	})
}

func (s *Server) link(path string) string { return s.cfg.URLPrefix + path }

func noCache(w http.ResponseWriter) { w.Header().Set("Cache-Control", "no-cache") }

func writeBody(w http.ResponseWriter, ctype, format string, body []byte) {
	h := w.Header()
	h.Set("Content-Type", ctype)
	if format != "" {
		h.Set("X-Format", format)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	noCache(w)
	w.Write(body)
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	now := s.clk.Now().UnixMilli()
	var buf bytes.Buffer
	err := s.st.View(func(v store.View) error { return writeCSV(&buf, v, now) })
	if err != nil {
		s.log.Error("csv export", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeBody(w, "text/csv", "", buf.Bytes())
}

func (s *Server) exportBinary(w http.ResponseWriter, r *http.Request) {
	now := s.clk.Now().UnixMilli()
	var buf bytes.Buffer
	s.st.View(func(v store.View) error {
		writeBinary(&buf, v, now)
		return nil
	})
	writeBody(w, "application/octet-stream", binFormat, buf.Bytes())
}

func (s *Server) exportRaw(w http.ResponseWriter, r *http.Request) {
	var body []byte
	s.st.View(func(v store.View) error {
		body = bytes.Clone(v.Bytes())
		return nil
	})
	writeBody(w, "application/octet-stream", rawFormat, body)
}

func (s *Server) getMarks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body := s.marks
	if len(body) == 0 {
		body = []byte{0}
	}
	body = bytes.Clone(body)
	s.mu.Unlock()
	writeBody(w, "application/octet-stream", marksFormat, body)
}

func (s *Server) putMarks(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.MarksBytes)
	if r.ContentLength > limit {
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		return
	case err != nil, r.ContentLength >= 0 && int64(len(body)) != r.ContentLength:
		s.mu.Lock()
		s.marks = nil
		s.mu.Unlock()
		s.log.Warn("marks: incomplete upload", "got", len(body), "want", r.ContentLength, "err", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.marks = body
	s.mu.Unlock()
	s.log.Debug("marks stored", "bytes", len(body))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fanClean(w http.ResponseWriter, r *http.Request) {
	if s.fan == nil {
		http.NotFound(w, r)
		return
	}
	err := s.fan.Clean(r.Context())
	switch errcode.Of(err) {
	case errcode.OK:
	case errcode.TooSoon:
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	default:
		s.log.Error("fan cleaning", "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, s.link(pathIndex), http.StatusFound)
}
