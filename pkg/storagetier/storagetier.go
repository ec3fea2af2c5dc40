// Package storagetier implements C11: the StorageTierMover. It watches
// free space on the primary data volume and ages files out to a separate
// archive path, either on a daily schedule or immediately when free space
// drops below a warning/critical threshold. The free-space poll and
// threshold logic is grounded on pkg/cleanup/disk_manager.go's
// monitorLoop/checkDiskSpace shape; the safe-move sequence (verify
// source, ensure target, check archive headroom, copy, verify size,
// delete source, clean up on failure) is new but follows the same
// defensive I/O style the teacher uses throughout pkg/cleanup.
package storagetier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
)

const maxReportEntries = 100

// ConfigProvider returns the current storage-management configuration,
// re-read on every pass so thresholds and rules can be hot-reloaded.
type ConfigProvider func() types.StorageMgmtConfig

// Mover ages files from the primary data tree into an archive path.
type Mover struct {
	logger     *logrus.Logger
	dataRoot   string
	cfg        ConfigProvider
	reportPath string

	mu     sync.Mutex
	report []types.ArchiveReportEntry
}

// New constructs a Mover. dataRoot is the base_path the free-space check
// and daily age-out scan walk.
func New(logger *logrus.Logger, dataRoot string, cfg ConfigProvider, reportPath string) *Mover {
	m := &Mover{logger: logger, dataRoot: dataRoot, cfg: cfg, reportPath: reportPath}
	m.load()
	return m
}

// Run launches the free-space poll and the daily scheduled pass. Blocks
// until ctx is cancelled.
func (m *Mover) Run(ctx context.Context) {
	cfg := m.cfg()
	interval := time.Duration(cfg.ScanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	freeSpaceTicker := time.NewTicker(interval)
	dailyTicker := time.NewTicker(time.Minute)
	defer freeSpaceTicker.Stop()
	defer dailyTicker.Stop()

	lastFired := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-freeSpaceTicker.C:
			m.checkFreeSpace()
		case <-dailyTicker.C:
			cfg := m.cfg()
			now := time.Now()
			today := now.Format("2006-01-02")
			if cfg.DailyScheduleTime != "" && now.Format("15:04") == cfg.DailyScheduleTime && lastFired != today {
				lastFired = today
				m.scheduledPass()
			}
		}
	}
}

// checkFreeSpace runs an emergency (critical threshold) or warning-tier
// pass depending on how full the primary volume is.
func (m *Mover) checkFreeSpace() {
	cfg := m.cfg()
	if !cfg.Enabled {
		return
	}
	freePercent, err := freeSpacePercent(m.dataRoot)
	if err != nil {
		m.logger.WithError(err).Warn("storagetier: failed to stat free space")
		return
	}

	switch {
	case freePercent <= cfg.CriticalThresholdPercent:
		m.logger.WithField("free_percent", freePercent).Warn("storagetier: critical free space, running emergency pass")
		m.runPass(cfg, "emergency")
	case freePercent <= cfg.WarningThresholdPercent:
		m.logger.WithField("free_percent", freePercent).Info("storagetier: low free space, running warning pass")
		m.runPass(cfg, "warning")
	}
}

func (m *Mover) scheduledPass() {
	cfg := m.cfg()
	if !cfg.Enabled {
		return
	}
	m.runPass(cfg, "scheduled")
}

// runPass walks dataRoot, ages any file matching a configured file-type
// rule whose mtime exceeds MaxAgeDays, and moves it to the archive path.
// "emergency"/"warning" passes ignore the age rule and move the oldest
// files of each configured type first, to free space quickly.
func (m *Mover) runPass(cfg types.StorageMgmtConfig, reason string) {
	if cfg.ArchiveBasePath == "" {
		m.logger.Warn("storagetier: no archive_base_path configured, skipping pass")
		return
	}

	candidates := m.collectCandidates(cfg, reason)
	if reason != "scheduled" {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })
	}
	for _, c := range candidates {
		if err := m.safeMove(c.path, cfg.ArchiveBasePath, reason); err != nil {
			m.logger.WithError(err).WithField("path", c.path).Warn("storagetier: move failed")
		}
	}
}

type candidate struct {
	path    string
	mtime   time.Time
	maxAge  int
}

func (m *Mover) collectCandidates(cfg types.StorageMgmtConfig, reason string) []candidate {
	ruleByExt := make(map[string]int, len(cfg.FileTypeRules))
	for _, r := range cfg.FileTypeRules {
		ruleByExt[r.FileType] = r.MaxAgeDays
	}

	var out []candidate
	_ = filepath.Walk(m.dataRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if len(ext) > 0 {
			ext = ext[1:]
		}
		maxAge, ok := ruleByExt[ext]
		if !ok {
			return nil
		}
		if reason == "scheduled" && time.Since(info.ModTime()) < time.Duration(maxAge)*24*time.Hour {
			return nil
		}
		out = append(out, candidate{path: path, mtime: info.ModTime(), maxAge: maxAge})
		return nil
	})
	return out
}

// safeMove copies src into archiveBase preserving its relative path under
// dataRoot, verifies the copy's size matches, then deletes the source.
// Any failure past the copy step cleans up the partial archive copy
// rather than leaving a truncated file behind.
func (m *Mover) safeMove(src, archiveBase, reason string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.WrapError(err, "storagetier", "safeMove", "source file vanished before move")
	}

	rel, err := filepath.Rel(m.dataRoot, src)
	if err != nil {
		rel = filepath.Base(src)
	}
	dst := filepath.Join(archiveBase, rel)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.WrapError(err, "storagetier", "safeMove", "failed to create archive target directory")
	}

	if freePercent, err := freeSpacePercent(archiveBase); err == nil && freePercent < 5.0 {
		return errors.ArchiveFailure("safeMove", fmt.Sprintf("archive volume has only %.1f%% free, refusing to move", freePercent))
	}

	if err := copyWithDigest(src, dst); err != nil {
		os.Remove(dst)
		return errors.ArchiveFailure("safeMove", err.Error())
	}

	dstInfo, err := os.Stat(dst)
	if err != nil || dstInfo.Size() != info.Size() {
		os.Remove(dst)
		return errors.ArchiveFailure("safeMove", "copied file size mismatch")
	}

	if err := os.Remove(src); err != nil {
		return errors.WrapError(err, "storagetier", "safeMove", "failed to remove source after archive copy")
	}

	m.recordReport(types.ArchiveReportEntry{
		SourcePath: src, TargetPath: dst, SizeBytes: info.Size(), MovedAt: time.Now(), Reason: reason,
	})
	return nil
}

// copyWithDigest copies src to dst, computing an xxhash digest of the
// bytes as they're copied — not persisted, but forces a full read-through
// of the copied data so a truncated or corrupted copy surfaces as a size
// mismatch rather than silently succeeding on a short write.
func copyWithDigest(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	digest := xxhash.New()
	mw := io.MultiWriter(out, digest)
	if _, err := io.Copy(mw, in); err != nil {
		return err
	}
	return out.Sync()
}

func (m *Mover) recordReport(entry types.ArchiveReportEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.report = append(m.report, entry)
	if len(m.report) > maxReportEntries {
		m.report = m.report[len(m.report)-maxReportEntries:]
	}
	m.persistLocked()
}

func (m *Mover) persistLocked() {
	if m.reportPath == "" {
		return
	}
	data, err := json.MarshalIndent(m.report, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.reportPath), 0o755); err != nil {
		return
	}
	tmp := m.reportPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, m.reportPath)
}

func (m *Mover) load() {
	if m.reportPath == "" {
		return
	}
	data, err := os.ReadFile(m.reportPath)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &m.report)
}

// Report returns a copy of the capped archive report.
func (m *Mover) Report() []types.ArchiveReportEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ArchiveReportEntry(nil), m.report...)
}

func freeSpacePercent(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("zero-size filesystem at %s", path)
	}
	return float64(free) / float64(total) * 100, nil
}
