package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcourtman/carbscan/internal/config"
	"github.com/rcourtman/carbscan/internal/entitlement"
	"github.com/rcourtman/carbscan/internal/installation"
	"github.com/rcourtman/carbscan/internal/kvstore"
	"github.com/rcourtman/carbscan/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return buf.String(), err
}

func useTempDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CARBSCAN_DATA_DIR", dir)
	t.Setenv("CARBSCAN_DEV_MODE", "true")
	t.Setenv("CARBSCAN_TIMEZONE", "UTC")
	return dir
}

func TestVersionCmd(t *testing.T) {
	oldVersion := Version
	oldBuildTime := BuildTime
	oldGitCommit := GitCommit
	defer func() {
		Version = oldVersion
		BuildTime = oldBuildTime
		GitCommit = oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-10-01"
	GitCommit = "abcdef"

	output, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "carbscan 1.2.3")
	assert.Contains(t, output, "Built: 2026-10-01")
	assert.Contains(t, output, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	output, err = runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "carbscan 1.2.3")
	assert.NotContains(t, output, "Built:")
	assert.NotContains(t, output, "Commit:")
}

func TestStatusCmdOnFreshState(t *testing.T) {
	useTempDataDir(t)

	output, err := runCommand(t, "status")
	require.NoError(t, err)
	assert.Contains(t, output, "Used:       0")
	assert.Contains(t, output, "Remaining:  10 (trial/standard), 50 (unlimited)")
	assert.Contains(t, output, "Installed:  unknown")
}

func TestStatusCmdReportsUsageAndTrial(t *testing.T) {
	dir := useTempDataDir(t)

	store, err := kvstore.Open(filepath.Join(dir, "carbscan.db"))
	require.NoError(t, err)
	tracker, err := quota.New(store, quota.Options{Location: time.UTC})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, ok := tracker.TryConsume(10)
		require.True(t, ok)
	}
	installed := time.Now().Add(-24 * time.Hour)
	resolver := installation.NewResolver(installation.NewLocalIdentity(store), installation.NewLocalStore(store), store,
		func() time.Time { return installed })
	_, err = resolver.ResolveInstallDate(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	output, err := runCommand(t, "status")
	require.NoError(t, err)
	assert.Contains(t, output, "Used:       3")
	assert.Contains(t, output, "Remaining:  7 (trial/standard), 47 (unlimited)")
	assert.Contains(t, output, "Installed:  "+installed.UTC().Format("2006-01-02"))
	assert.Contains(t, output, "day(s) left")
}

func TestResetQuotaCmd(t *testing.T) {
	dir := useTempDataDir(t)

	store, err := kvstore.Open(filepath.Join(dir, "carbscan.db"))
	require.NoError(t, err)
	tracker, err := quota.New(store, quota.Options{Location: time.UTC})
	require.NoError(t, err)
	tracker.TryConsume(10)
	tracker.TryConsume(10)
	require.NoError(t, store.Close())

	output, err := runCommand(t, "reset-quota")
	require.NoError(t, err)
	assert.Contains(t, output, "Quota reset")

	output, err = runCommand(t, "status")
	require.NoError(t, err)
	assert.Contains(t, output, "Used:       0")
}

func TestMetricsMuxServesRegistry(t *testing.T) {
	rec := httptest.NewRecorder()
	newMetricsMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "carbscan_inference_in_flight")
}

func TestNewLedgerDevModeUsesMemoryLedger(t *testing.T) {
	useTempDataDir(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	ledger, verifier, err := newLedger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, verifier)
	assert.IsType(t, &entitlement.MemoryLedger{}, ledger)
}

func TestNewLedgerUsesBridgeOutsideDevMode(t *testing.T) {
	useTempDataDir(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.DevMode = false
	cfg.LedgerURL = "http://127.0.0.1:7710/ledger"

	cfg.LedgerPublicKey = "not-a-key"
	_, _, err = newLedger(cfg)
	assert.Error(t, err)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cfg.LedgerPublicKey = base64.StdEncoding.EncodeToString(pub)
	ledger, verifier, err := newLedger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, verifier)
	assert.IsType(t, &entitlement.BridgeLedger{}, ledger)
}
