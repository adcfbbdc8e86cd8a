package runway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

// DefaultCoreRoutes are probed on every smoke pass regardless of what the
// run changed.
var DefaultCoreRoutes = []string{"/health", "/"}

const defaultSmokeTimeout = 8 * time.Second

// SmokeParams selects the preview targets and routes for one smoke pass.
type SmokeParams struct {
	PreviewURLs   []string
	ChangedRoutes []string
	CoreRoutes    []string
	// ProxyOrigin, when set, sends every request to this origin with the
	// preview host in the Host header. Used when previews sit behind a
	// local reverse proxy.
	ProxyOrigin string
	Timeout     time.Duration
	// Client overrides the probe HTTP client; nil uses a fresh client
	// with redirects followed and Timeout applied.
	Client *http.Client
}

// SmokeCheck is one GET probe of one route on one preview target.
type SmokeCheck struct {
	PreviewURL string  `json:"preview_url"`
	Route      string  `json:"route"`
	RequestURL string  `json:"request_url"`
	StatusCode int     `json:"status_code,omitempty"`
	Passed     bool    `json:"passed"`
	LatencyMS  float64 `json:"latency_ms"`
	Error      string  `json:"error,omitempty"`
}

// SmokeTarget groups the checks for one preview URL.
type SmokeTarget struct {
	PreviewURL string       `json:"preview_url"`
	Host       string       `json:"host"`
	Passed     bool         `json:"passed"`
	Checks     []SmokeCheck `json:"checks"`
}

// SmokeSummary is the pass/fail rollup for a whole smoke pass.
type SmokeSummary struct {
	TotalChecks   int    `json:"total_checks"`
	PassedChecks  int    `json:"passed_checks"`
	FailedChecks  int    `json:"failed_checks"`
	OverallStatus string `json:"overall_status"`
}

// SmokeReport is the full result of one smoke pass across all targets.
type SmokeReport struct {
	Harness       string        `json:"harness"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	DurationMS    float64       `json:"duration_ms"`
	ProxyOrigin   string        `json:"proxy_origin,omitempty"`
	CoreRoutes    []string      `json:"core_routes"`
	ChangedRoutes []string      `json:"changed_routes"`
	Targets       []SmokeTarget `json:"targets"`
	Summary       SmokeSummary  `json:"summary"`
}

// RunSmokeSuite probes every core and changed route on every preview URL
// with a GET and reports per-target and overall pass/fail. Any 2xx or 3xx
// response passes. The suite itself never fails on probe errors; those are
// recorded as failed checks.
func RunSmokeSuite(ctx context.Context, p SmokeParams) (*SmokeReport, error) {
	if len(p.PreviewURLs) == 0 {
		return nil, pipeline.Validationf("preview_urls_required")
	}

	previews := make([]string, 0, len(p.PreviewURLs))
	for _, raw := range p.PreviewURLs {
		u, err := normalizePreviewURL(raw)
		if err != nil {
			return nil, err
		}
		previews = append(previews, u)
	}

	core := p.CoreRoutes
	if len(core) == 0 {
		core = DefaultCoreRoutes
	}
	coreRoutes, err := normalizeRoutes(core)
	if err != nil {
		return nil, err
	}
	changedRoutes, err := normalizeRoutes(p.ChangedRoutes)
	if err != nil {
		return nil, err
	}
	routes := dedupe(append(append([]string{}, coreRoutes...), changedRoutes...))

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultSmokeTimeout
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	var proxy string
	if p.ProxyOrigin != "" {
		proxy, err = normalizePreviewURL(p.ProxyOrigin)
		if err != nil {
			return nil, err
		}
	}

	report := &SmokeReport{
		Harness:       "preview_smoke",
		StartedAt:     time.Now().UTC(),
		ProxyOrigin:   proxy,
		CoreRoutes:    coreRoutes,
		ChangedRoutes: changedRoutes,
	}

	for _, preview := range previews {
		parsed, _ := url.Parse(preview)
		target := SmokeTarget{PreviewURL: preview, Host: parsed.Host, Passed: true}
		for _, route := range routes {
			check := probeRoute(ctx, client, preview, route, proxy, timeout)
			if !check.Passed {
				target.Passed = false
			}
			target.Checks = append(target.Checks, check)
		}
		report.Targets = append(report.Targets, target)
	}

	for _, target := range report.Targets {
		for _, check := range target.Checks {
			report.Summary.TotalChecks++
			if check.Passed {
				report.Summary.PassedChecks++
			} else {
				report.Summary.FailedChecks++
			}
		}
	}
	report.Summary.OverallStatus = "passed"
	if report.Summary.FailedChecks > 0 {
		report.Summary.OverallStatus = "failed"
	}
	report.EndedAt = time.Now().UTC()
	report.DurationMS = float64(report.EndedAt.Sub(report.StartedAt)) / float64(time.Millisecond)
	return report, nil
}

// probeRoute issues one GET and classifies the result. Probe failures are
// reported in the check, never as an error.
func probeRoute(ctx context.Context, client *http.Client, preview, route, proxy string, timeout time.Duration) SmokeCheck {
	check := SmokeCheck{PreviewURL: preview, Route: route}

	requestURL := strings.TrimSuffix(preview, "/") + route
	if proxy != "" {
		requestURL = strings.TrimSuffix(proxy, "/") + route
	}
	check.RequestURL = requestURL

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		check.Error = err.Error()
		return check
	}
	if proxy != "" {
		if parsed, err := url.Parse(preview); err == nil {
			req.Host = parsed.Host
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	check.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		check.Error = err.Error()
		return check
	}
	defer resp.Body.Close()

	check.StatusCode = resp.StatusCode
	check.Passed = resp.StatusCode >= 200 && resp.StatusCode < 400
	if !check.Passed {
		check.Error = fmt.Sprintf("http_status:%d", resp.StatusCode)
	}
	return check
}

// PersistSmokeReport stores a smoke pass against a run: the JSON report as
// an artifact plus a validation check row and a run event, committed
// together. The run keeps its current status either way; smoke results
// inform review, they do not drive transitions.
func (s *Service) PersistSmokeReport(ctx context.Context, runID string, report *SmokeReport) error {
	run, ok := s.store.GetRun(runID)
	if !ok {
		return pipeline.NotFoundf("run %s not found", runID)
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode smoke report: %w", err)
	}
	name := fmt.Sprintf("preview-smoke-%s.json", s.now().Format("20060102T150405Z"))
	uri := s.storeArtifactFile(runID, name, string(body)+"\n")

	summary := pipeline.Payload{
		"overall_status": report.Summary.OverallStatus,
		"total_checks":   report.Summary.TotalChecks,
		"failed_checks":  report.Summary.FailedChecks,
	}
	if uri != "" {
		summary["artifact_uri"] = uri
	}

	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	check := &pipeline.ValidationCheck{
		RunID:     runID,
		CheckName: "preview_smoke",
		Status:    report.Summary.OverallStatus,
		StartedAt: &report.StartedAt,
		EndedAt:   &report.EndedAt,
	}
	if uri != "" {
		check.ArtifactURI = &uri
	}
	if err := tx.CreateValidationCheck(check); err != nil {
		return err
	}
	if uri != "" {
		if err := tx.CreateRunArtifact(&pipeline.RunArtifact{
			RunID:        runID,
			ArtifactType: "preview_smoke_report",
			ArtifactURI:  uri,
			Metadata:     summary,
			CreatedAt:    s.now(),
		}); err != nil {
			return err
		}
	}
	if err := s.appendEvent(ctx, tx, runID, pipeline.EventPreviewSmokeCompleted, run.Status, run.Status, summary); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.broadcast("run:" + runID)
	return nil
}

func normalizePreviewURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", pipeline.Validationf("preview_url_empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", pipeline.Validationf("invalid_preview_url: %s", raw)
	}
	return strings.TrimSuffix(trimmed, "/"), nil
}

func normalizeRoutes(routes []string) ([]string, error) {
	out := make([]string, 0, len(routes))
	for _, raw := range routes {
		route := strings.TrimSpace(raw)
		if route == "" {
			return nil, pipeline.Validationf("route_empty")
		}
		if !strings.HasPrefix(route, "/") {
			route = "/" + route
		}
		out = append(out, route)
	}
	return out, nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
