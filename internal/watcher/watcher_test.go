package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// TestScanProductPublishesFileFoundOnce tests that a newly observed file
// publishes exactly once even across repeated scans.
func TestScanProductPublishesFileFoundOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("x"), 0o644))

	bus := eventbus.New(testLogger())
	defer bus.Close()
	found := make(chan eventbus.FileFoundPayload, 4)
	bus.Subscribe("watch", func(ev eventbus.Event) {
		if ev.Type == eventbus.FileFound {
			found <- ev.Payload.(eventbus.FileFoundPayload)
		}
	})

	w := New(testLogger(), bus, func() types.MonitoringConfig { return types.MonitoringConfig{} })
	cfg := types.MonitoringConfig{IncomingDirs: map[string]string{"P1": dir}}

	w.scanProduct("P1", cfg)
	w.scanProduct("P1", cfg)

	select {
	case payload := <-found:
		assert.Equal(t, "P1", payload.ProductID)
		assert.Contains(t, payload.Path, "a.csv")
	case <-time.After(time.Second):
		t.Fatal("expected a FileFound event")
	}

	select {
	case <-found:
		t.Fatal("file was reported a second time")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestScanProductSkipsDirectories tests that subdirectories never
// publish FileFound events.
func TestScanProductSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	bus := eventbus.New(testLogger())
	defer bus.Close()
	found := make(chan eventbus.FileFoundPayload, 1)
	bus.Subscribe("watch", func(ev eventbus.Event) {
		if ev.Type == eventbus.FileFound {
			found <- ev.Payload.(eventbus.FileFoundPayload)
		}
	})

	w := New(testLogger(), bus, func() types.MonitoringConfig { return types.MonitoringConfig{} })
	w.scanProduct("P1", types.MonitoringConfig{IncomingDirs: map[string]string{"P1": dir}})

	select {
	case <-found:
		t.Fatal("directory should not be reported")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestScanProductUnknownProductIsNoOp tests the missing-mapping guard.
func TestScanProductUnknownProductIsNoOp(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Close()
	w := New(testLogger(), bus, func() types.MonitoringConfig { return types.MonitoringConfig{} })
	w.scanProduct("missing", types.MonitoringConfig{IncomingDirs: map[string]string{}})
}

// TestFingerprintChangesWithSizeAndMtime tests that the md5 fingerprint
// formula distinguishes files by size and mtime, not just path.
func TestFingerprintChangesWithSizeAndMtime(t *testing.T) {
	mtime := time.Unix(1000, 0)
	a := fingerprint("/tmp/x.csv", 10, mtime)
	b := fingerprint("/tmp/x.csv", 20, mtime)
	c := fingerprint("/tmp/x.csv", 10, mtime.Add(time.Second))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, fingerprint("/tmp/x.csv", 10, mtime))
}

// TestCadenceDefaultsWhenUnconfigured tests the zero-value fallback
// durations for all three tickers.
func TestCadenceDefaultsWhenUnconfigured(t *testing.T) {
	cfg := types.MonitoringConfig{}
	assert.Equal(t, 5*time.Second, scanInterval(cfg))
	assert.Equal(t, 30*time.Second, rescanInterval(cfg))
	assert.Equal(t, 60*time.Second, hotReloadInterval(cfg))
}

// TestCadenceHonorsConfiguredValues tests that positive configured
// intervals override the defaults.
func TestCadenceHonorsConfiguredValues(t *testing.T) {
	cfg := types.MonitoringConfig{ScanIntervalSeconds: 2, RescanIntervalSeconds: 9, HotReloadIntervalSeconds: 15}
	assert.Equal(t, 2*time.Second, scanInterval(cfg))
	assert.Equal(t, 9*time.Second, rescanInterval(cfg))
	assert.Equal(t, 15*time.Second, hotReloadInterval(cfg))
}
