package hotreload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

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

// TestNewDisabledReturnsInitialAndNoOpStart tests that a disabled reloader
// never watches and Current always returns the seed config.
func TestNewDisabledReturnsInitialAndNoOpStart(t *testing.T) {
	initial := &types.Config{}
	initial.App.Name = "seed"

	cr, err := New(Config{Enabled: false}, "", initial, testLogger())
	require.NoError(t, err)
	assert.Same(t, initial, cr.Current())

	require.NoError(t, cr.Start(context.Background()))
	cr.Stop()
	assert.Same(t, initial, cr.Current())
}

// TestReloadPicksUpFileChanges tests that writing a new config file and
// calling reload() swaps Current().
func TestReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("app:\n  name: first\n"), 0o644))

	initial := &types.Config{}
	initial.App.Name = "first"

	cr, err := New(Config{Enabled: true, WatchInterval: time.Hour, DebounceInterval: time.Millisecond}, configFile, initial, testLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(configFile, []byte("app:\n  name: second\n"), 0o644))
	cr.reload()

	assert.Equal(t, "second", cr.Current().App.Name)
}

// TestReloadKeepsPreviousConfigOnParseFailure tests that a malformed
// config file does not clobber the last-good config.
func TestReloadKeepsPreviousConfigOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("app:\n  name: first\n"), 0o644))

	initial := &types.Config{}
	initial.App.Name = "first"

	cr, err := New(Config{Enabled: true}, configFile, initial, testLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(configFile, []byte("app: [\n"), 0o644))
	cr.reload()

	assert.Equal(t, "first", cr.Current().App.Name)
	stats := cr.GetStats()
	assert.Equal(t, int64(1), stats.FailedReloads)
}

// TestOnReloadCallbackFiresOnSuccess tests the registered callback runs
// with the newly loaded config.
func TestOnReloadCallbackFiresOnSuccess(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("app:\n  name: first\n"), 0o644))

	initial := &types.Config{}
	cr, err := New(Config{Enabled: true}, configFile, initial, testLogger())
	require.NoError(t, err)

	called := make(chan *types.Config, 1)
	cr.OnReload(func(cfg *types.Config) { called <- cfg })

	require.NoError(t, os.WriteFile(configFile, []byte("app:\n  name: second\n"), 0o644))
	cr.reload()

	select {
	case cfg := <-called:
		assert.Equal(t, "second", cfg.App.Name)
	case <-time.After(time.Second):
		t.Fatal("OnReload callback never fired")
	}
}

// TestStartWatchesFileAndReloadsOnWrite tests the full fsnotify-driven
// reload path end to end.
func TestStartWatchesFileAndReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("app:\n  name: first\n"), 0o644))

	initial := &types.Config{}
	cr, err := New(Config{Enabled: true, DebounceInterval: 10 * time.Millisecond, WatchInterval: time.Hour}, configFile, initial, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cr.Start(ctx))
	defer cr.Stop()

	require.NoError(t, os.WriteFile(configFile, []byte("app:\n  name: second\n"), 0o644))

	assert.Eventually(t, func() bool {
		return cr.Current().App.Name == "second"
	}, 2*time.Second, 20*time.Millisecond)
}
