package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// BranchPrefix is the canonical prefix for run branches. The full form is
// BranchPrefix + run_id and nothing else is accepted.
const BranchPrefix = "codex/run-"

// DefaultSlotIDs is the fixed preview pool in acquisition order.
var DefaultSlotIDs = []string{"preview-1", "preview-2", "preview-3"}

// slotAliases maps accepted spellings to the slot number.
var slotAliases = map[string]int{
	"preview-1": 1, "preview1": 1,
	"preview-2": 2, "preview2": 2,
	"preview-3": 3, "preview3": 3,
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidRunID reports whether id is safe to embed in a branch name.
func ValidRunID(id string) bool {
	return id != "" && runIDPattern.MatchString(id)
}

// BranchName returns the canonical branch for a run.
func BranchName(runID string) (string, error) {
	if !ValidRunID(runID) {
		return "", Validationf("invalid_run_id_for_branch: %q", runID)
	}
	return BranchPrefix + runID, nil
}

// NormalizeSlotID canonicalizes accepted slot spellings to preview-<n>.
func NormalizeSlotID(slotID string) (string, error) {
	n, ok := slotAliases[strings.ToLower(strings.TrimSpace(slotID))]
	if !ok {
		return "", Validationf("invalid_slot_id: %q", slotID)
	}
	return fmt.Sprintf("preview-%d", n), nil
}

// SlotNumber extracts the numeric suffix of a (normalizable) slot id.
func SlotNumber(slotID string) (int, error) {
	canonical, err := NormalizeSlotID(slotID)
	if err != nil {
		return 0, err
	}
	return slotAliases[canonical], nil
}

// PreviewDBName resolves the dedicated database for a slot using the
// configured template; {n} is replaced with the slot number.
func PreviewDBName(slotID, template string) (string, error) {
	n, err := SlotNumber(slotID)
	if err != nil {
		return "", err
	}
	if template == "" {
		template = "app_preview_{n}"
	}
	return strings.ReplaceAll(template, "{n}", fmt.Sprintf("%d", n)), nil
}

// AssertPreviewTarget enforces the hard slot↔database invariant before any
// SQL runs: the resolved name must be app_preview_<n> for this exact slot and
// must never be the control database.
func AssertPreviewTarget(slotID, dbName, controlDB string) error {
	n, err := SlotNumber(slotID)
	if err != nil {
		return err
	}
	if dbName == "" {
		return UnsafeDBTargetf("missing_database_name")
	}
	if controlDB != "" && dbName == controlDB {
		return UnsafeDBTargetf("refusing_control_database_target: %s", dbName)
	}
	if !strings.HasPrefix(dbName, "app_preview_") {
		return UnsafeDBTargetf("non_preview_database_target: %s", dbName)
	}
	expected := fmt.Sprintf("app_preview_%d", n)
	if dbName != expected {
		return UnsafeDBTargetf("slot_database_mismatch: expected=%s actual=%s", expected, dbName)
	}
	return nil
}
