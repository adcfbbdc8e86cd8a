package web

import (
	"net/http"

	"github.com/madhatter5501/runway/internal/db"
	"github.com/madhatter5501/runway/pipeline"
)

// StageColumn groups runs in one pipeline stage for the board view.
type StageColumn struct {
	Status pipeline.Status
	Name   string
	Runs   []pipeline.Run
}

// handleDashboard renders the pipeline board: active runs by stage, slot
// states, and the currently deployed release.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var active, terminal []pipeline.Status
	for _, status := range pipeline.AllStatuses {
		if pipeline.IsTerminal(status) {
			terminal = append(terminal, status)
		} else {
			active = append(active, status)
		}
	}

	runs, _, err := s.svc.ListRuns(r.Context(), db.RunFilter{Statuses: active, Limit: 200})
	if err != nil {
		s.logger.Error("Failed to list runs", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	recent, _, err := s.svc.ListRuns(r.Context(), db.RunFilter{Statuses: terminal, Limit: 15})
	if err != nil {
		s.logger.Error("Failed to list terminal runs", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	slots, err := s.svc.SlotStates(r.Context())
	if err != nil {
		s.logger.Error("Failed to list slots", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	data := map[string]any{
		"Title":   "Runway Control",
		"Columns": groupRunsByStatus(runs, active),
		"Recent":  recent,
		"Slots":   slots,
	}
	if release, ok := s.svc.Store().CurrentDeployedRelease(); ok {
		data["Release"] = release
	}

	s.render(w, "index.html", data)
}

// handleRunPage renders a single run with its event log, checks, artifacts,
// and approvals.
func (s *Server) handleRunPage(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	store := s.svc.Store()
	events, err := store.ListRunEvents(run.ID, 100)
	if err != nil {
		s.logger.Error("Failed to list run events", "run_id", run.ID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	checks, _ := store.ListValidationChecks(run.ID, 50)
	artifacts, _ := store.ListRunArtifacts(run.ID, 50)
	approvals, _ := store.ListApprovals(run.ID, 20)

	data := map[string]any{
		"Title":     run.Title,
		"Run":       run,
		"Events":    events,
		"Checks":    checks,
		"Artifacts": artifacts,
		"Approvals": approvals,
	}
	if rc, ok := store.GetRunContext(run.ID); ok {
		data["Context"] = rc
	}
	if reset, ok := store.LatestResetForRun(run.ID); ok {
		data["Reset"] = reset
	}

	s.render(w, "run.html", data)
}

// groupRunsByStatus groups runs into ordered board columns.
func groupRunsByStatus(runs []pipeline.Run, order []pipeline.Status) []StageColumn {
	byStatus := make(map[pipeline.Status][]pipeline.Run)
	for _, run := range runs {
		byStatus[run.Status] = append(byStatus[run.Status], run)
	}

	columns := make([]StageColumn, 0, len(order))
	for _, status := range order {
		columns = append(columns, StageColumn{
			Status: status,
			Name:   statusName(status),
			Runs:   byStatus[status],
		})
	}
	return columns
}

// statusName returns a human-readable name for a status.
func statusName(status pipeline.Status) string {
	names := map[pipeline.Status]string{
		pipeline.StatusQueued:        "Queued",
		pipeline.StatusPlanning:      "Planning",
		pipeline.StatusEditing:       "Editing",
		pipeline.StatusTesting:       "Testing",
		pipeline.StatusPreviewReady:  "Preview Ready",
		pipeline.StatusNeedsApproval: "Needs Approval",
		pipeline.StatusApproved:      "Approved",
		pipeline.StatusMerging:       "Merging",
		pipeline.StatusDeploying:     "Deploying",
		pipeline.StatusMerged:        "Merged",
		pipeline.StatusFailed:        "Failed",
		pipeline.StatusCanceled:      "Canceled",
		pipeline.StatusExpired:       "Expired",
	}
	if name, ok := names[status]; ok {
		return name
	}
	return string(status)
}
