// Package preview resets and seeds the per-slot preview databases. The
// coordinator in the root package validates targets and writes provenance;
// the drivers here only execute the reset itself.
package preview

import (
	"context"
	"strings"
)

// Request carries one validated reset order to a driver. Database has
// already passed the slot/database naming check.
type Request struct {
	SlotID          string
	RunID           string
	Database        string
	Strategy        string
	SeedVersion     string
	SnapshotVersion string
	SourceFile      string // resolved seed or snapshot file, may be empty
	DryRun          bool
	TraceID         string
}

// Step records one stage of a reset attempt.
type Step struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// String renders a step compactly for logs.
func (s Step) String() string {
	out := s.Name + ":" + s.Status
	if s.Detail != "" {
		out += ":" + s.Detail
	}
	return out
}

// Result is what a driver reports back for the provenance row.
type Result struct {
	Steps  []Step `json:"steps"`
	Output string `json:"output,omitempty"`
}

// Driver executes a preview database reset. Implementations must honor
// DryRun by touching nothing.
type Driver interface {
	Name() string
	Reset(ctx context.Context, req Request) (Result, error)
}

// tail returns the last n lines of s, for bounded diagnostics.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
