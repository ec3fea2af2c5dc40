// Package readiness implements the PathReadinessMonitor's state-machine
// primitive, called by internal/pipeline's move_files task body (which
// internal/migration's monitor sweep re-dispatches): inspecting a component's org/roi
// source directory and its ancestors to decide whether a move is safe to
// attempt yet.
package readiness

import (
	"os"
	"path/filepath"
)

// State is one of the four readiness states a component's file_type
// artifacts can be in, per the path-readiness table: a component-level
// directory that exists and holds files is Complete; only its station-dir
// parent existing is Partial; only its lot-dir grandparent existing is
// Base; neither existing is Absent.
type State string

const (
	Complete State = "complete"
	Partial  State = "partial"
	Base     State = "base"
	Absent   State = "absent"
)

// Check walks up from componentDir (.../<file_type>/<lot>/<station>/<component>)
// to its station-dir parent and lot-dir grandparent, returning the
// deepest level found: Complete only if componentDir holds entries,
// otherwise the first of the station and lot dirs that exists.
func Check(componentDir string) State {
	if dirHasEntries(componentDir) {
		return Complete
	}
	stationDir := filepath.Dir(componentDir)
	if dirExists(stationDir) {
		return Partial
	}
	lotDir := filepath.Dir(stationDir)
	if dirExists(lotDir) {
		return Base
	}
	return Absent
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func dirHasEntries(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}
