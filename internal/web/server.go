// Package web serves the control API and the operator dashboard.
package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yuin/goldmark"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/madhatter5501/runway"
	"github.com/madhatter5501/runway/pipeline"
)

//go:embed templates/*
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Server is the control-plane HTTP server: JSON API, SSE stream, and the
// embedded dashboard.
type Server struct {
	svc       *runway.Service
	templates *template.Template
	logger    *slog.Logger
	validate  *validator.Validate
	server    *http.Server

	// Maintenance loop states for /health; wired by the serve command.
	loops func() []runway.LoopStatus

	// SSE clients mapped to their topic filter; nil filter means all topics.
	sseClients   map[chan string]map[string]bool
	sseMu        sync.RWMutex
	shutdownOnce sync.Once
}

// NewServer creates the control server around a service instance. Service
// broadcasts are forwarded to SSE subscribers.
func NewServer(svc *runway.Service, logger *slog.Logger) (*Server, error) {
	tmpl, err := template.New("").Funcs(templateFuncs()).ParseFS(templatesFS, "templates/*.html", "templates/partials/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		svc:        svc,
		templates:  tmpl,
		logger:     logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		sseClients: make(map[chan string]map[string]bool),
	}
	svc.SetNotifier(s.Broadcast)
	return s, nil
}

// SetLoopStatuses wires the maintenance loop snapshot used by /health and
// /api/metrics/core.
func (s *Server) SetLoopStatuses(fn func() []runway.LoopStatus) {
	s.loops = fn
}

// Handler builds the routed handler with tracing and observability wrapped
// around it. Exposed separately from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Static files
	staticSub, _ := fs.Sub(staticFS, "static")
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	// Dashboard pages
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /runs/{id}", s.handleRunPage)

	// Runs
	mux.HandleFunc("POST /api/runs", s.apiCreateRun)
	mux.HandleFunc("GET /api/runs", s.apiListRuns)
	mux.HandleFunc("GET /api/runs/contract", s.apiRunsContract)
	mux.HandleFunc("GET /api/runs/{id}", s.apiGetRun)
	mux.HandleFunc("POST /api/runs/{id}/transition", s.apiTransitionRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.apiCancelRun)
	mux.HandleFunc("POST /api/runs/{id}/retry", s.apiRetryRun)
	mux.HandleFunc("POST /api/runs/{id}/expire", s.apiExpireRun)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.apiResumeRun)

	// Run subresources
	mux.HandleFunc("GET /api/runs/{id}/events", s.apiRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/events/stream", s.handleRunEventStream)
	mux.HandleFunc("GET /api/runs/{id}/checks", s.apiRunChecks)
	mux.HandleFunc("GET /api/runs/{id}/artifacts", s.apiRunArtifacts)
	mux.HandleFunc("GET /api/runs/{id}/approvals", s.apiRunApprovals)
	mux.HandleFunc("POST /api/runs/{id}/approve", s.apiApproveRun)
	mux.HandleFunc("POST /api/runs/{id}/reject", s.apiRejectRun)
	mux.HandleFunc("POST /api/runs/{id}/merge", s.apiMergeRun)

	// Slots
	mux.HandleFunc("GET /api/slots", s.apiSlotStates)
	mux.HandleFunc("GET /api/slots/contract", s.apiSlotsContract)
	mux.HandleFunc("POST /api/slots/acquire", s.apiAcquireSlot)
	mux.HandleFunc("POST /api/slots/allocate", s.apiAllocate)
	mux.HandleFunc("POST /api/slots/reap-expired", s.apiReapExpired)
	mux.HandleFunc("POST /api/slots/{slot_id}/heartbeat", s.apiHeartbeatSlot)
	mux.HandleFunc("POST /api/slots/{slot_id}/release", s.apiReleaseSlot)

	// Worktrees
	mux.HandleFunc("GET /api/worktrees", s.apiWorktrees)
	mux.HandleFunc("GET /api/worktrees/contract", s.apiWorktreesContract)
	mux.HandleFunc("POST /api/worktrees/assign", s.apiAssignWorktree)
	mux.HandleFunc("POST /api/worktrees/{slot_id}/cleanup", s.apiCleanupWorktree)

	// Releases
	mux.HandleFunc("GET /api/releases", s.apiListReleases)
	mux.HandleFunc("GET /api/releases/{id}", s.apiGetRelease)

	// Preview DB resets
	mux.HandleFunc("POST /api/resets", s.apiResetAndSeed)
	mux.HandleFunc("GET /api/resets", s.apiListResets)

	// Audit log
	mux.HandleFunc("GET /api/audit", s.apiAuditLog)

	// SSE for real-time updates
	mux.HandleFunc("GET /api/events", s.handleSSE)

	// Meta
	mux.HandleFunc("GET /health", s.apiHealth)
	mux.HandleFunc("GET /api/metrics/core", s.apiCoreMetrics)
	mux.Handle("GET /metrics", s.svc.Metrics().Handler())

	return s.withTrace(s.withObservability(mux))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting control server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and disconnects SSE clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.sseMu.Lock()
		for ch := range s.sseClients {
			close(ch)
			delete(s.sseClients, ch)
		}
		s.sseMu.Unlock()
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// withTrace normalizes or mints the request trace id, echoes it on the
// response, and threads it through the context for event payloads and
// driver environments.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := s.svc.Config().TraceHeaderName
		if header == "" {
			header = pipeline.DefaultTraceHeader
		}
		trace := pipeline.EnsureTraceID(r.Header.Get(header))
		w.Header().Set(header, trace)
		next.ServeHTTP(w, r.WithContext(pipeline.WithTraceID(r.Context(), trace)))
	})
}

// statusRecorder captures the response code for logging and metrics while
// still exposing Flush for SSE handlers.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withObservability wraps the mux with request logging and HTTP metrics.
// The route label comes from the matched mux pattern so cardinality stays
// bounded.
func (s *Server) withObservability(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		mux.ServeHTTP(rec, r)

		route := "unmatched"
		if _, pattern := mux.Handler(r); pattern != "" {
			route = pattern
		}
		elapsed := time.Since(start)
		s.svc.Metrics().ObserveHTTP(r.Method, route, rec.code, elapsed.Seconds())
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", elapsed)
	})
}

// toTime accepts both time values and optional pointers from row types.
func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	}
	return time.Time{}
}

// render executes a template.
func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Template error", "template", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// templateFuncs returns custom template functions for the dashboard.
func templateFuncs() template.FuncMap {
	titler := cases.Title(language.English)
	return template.FuncMap{
		"statusColor": func(status any) string {
			colors := map[string]string{
				"queued":         "gray",
				"planning":       "indigo",
				"editing":        "cyan",
				"testing":        "orange",
				"preview_ready":  "teal",
				"needs_approval": "yellow",
				"approved":       "blue",
				"merging":        "purple",
				"deploying":      "pink",
				"merged":         "emerald",
				"failed":         "rose",
				"canceled":       "gray",
				"expired":        "gray",
			}
			if c, ok := colors[fmt.Sprintf("%v", status)]; ok {
				return c
			}
			return "gray"
		},
		"timeAgo": func(v any) string {
			t := toTime(v)
			if t.IsZero() {
				return "N/A"
			}
			d := time.Since(t)
			switch {
			case d < -time.Minute:
				return fmt.Sprintf("in %s", (-d).Round(time.Minute))
			case d < time.Minute:
				return "just now"
			case d < time.Hour:
				return fmt.Sprintf("%dm ago", int(d.Minutes()))
			case d < 24*time.Hour:
				return fmt.Sprintf("%dh ago", int(d.Hours()))
			default:
				return fmt.Sprintf("%dd ago", int(d.Hours()/24))
			}
		},
		"formatTime": func(v any) string {
			t := toTime(v)
			if t.IsZero() {
				return "N/A"
			}
			return t.Format("Jan 2, 2006 15:04:05")
		},
		"truncate": func(n int, str string) string {
			if len(str) <= n {
				return str
			}
			return str[:n] + "..."
		},
		"deref": func(p *string) string {
			if p == nil {
				return ""
			}
			return *p
		},
		"shortSHA": func(p *string) string {
			if p == nil {
				return ""
			}
			if len(*p) > 12 {
				return (*p)[:12]
			}
			return *p
		},
		"title": func(v any) string {
			str := strings.ReplaceAll(fmt.Sprintf("%v", v), "_", " ")
			return titler.String(str)
		},
		"upper": func(str string) string {
			return strings.ToUpper(str)
		},
		"add": func(a, b int) int {
			return a + b
		},
		"json": func(v any) string {
			b, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return fmt.Sprintf("%+v", v)
			}
			return string(b)
		},
		// Markdown rendering.
		"markdown": func(str string) template.HTML {
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(str), &buf); err != nil {
				return template.HTML(template.HTMLEscapeString(str)) //nolint:gosec // Explicitly escaped
			}
			return template.HTML(buf.String()) //nolint:gosec // goldmark produces safe HTML
		},
	}
}
