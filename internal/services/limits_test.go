package services

import (
	"context"
	"testing"
	"time"

	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/logger"
	"vpn-fleet-bot/internal/vpn"
)

func TestReconcileDataLimitsRollsAllowanceForward(t *testing.T) {
	store := openTestStore(t)
	provider := newFakeProvider(db.ProtocolOutline)
	scanner := NewScanner(store, vpn.NewRegistry(provider), nil, logger.NopReporter{}, testScannerConfig())

	srv := &db.Server{ProtocolType: db.ProtocolOutline, ActiveKeyCount: 1}
	if err := store.AddServer(srv); err != nil {
		t.Fatalf("add server: %v", err)
	}
	if _, err := store.GetOrCreateUser("42"); err != nil {
		t.Fatalf("user: %v", err)
	}
	seedKey(t, store, provider, "k1", srv.ID, 20*24*time.Hour)
	if err := store.SetUsedBytes("k1", 100); err != nil {
		t.Fatalf("seed used bytes: %v", err)
	}
	provider.mu.Lock()
	provider.keys["k1"].UsedBytes = 300
	provider.keys["k1"].DataLimit = 1000
	provider.mu.Unlock()

	if err := scanner.ReconcileDataLimits(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// 200 bytes were consumed since the last pass, so the ceiling moves by
	// exactly that much; usage itself is never reset.
	if got := provider.updates["k1"]; got != 1200 {
		t.Errorf("pushed limit = %d, want 1200", got)
	}
	key, err := store.KeyByID("k1")
	if err != nil {
		t.Fatalf("reload key: %v", err)
	}
	if key.UsedBytesLastPeriod != 300 {
		t.Errorf("used_bytes_last_period = %d, want 300", key.UsedBytesLastPeriod)
	}
}

func TestReconcileDataLimitsSkipsExpiredKeys(t *testing.T) {
	store := openTestStore(t)
	provider := newFakeProvider(db.ProtocolOutline)
	scanner := NewScanner(store, vpn.NewRegistry(provider), nil, logger.NopReporter{}, testScannerConfig())

	srv := &db.Server{ProtocolType: db.ProtocolOutline, ActiveKeyCount: 1}
	if err := store.AddServer(srv); err != nil {
		t.Fatalf("add server: %v", err)
	}
	if _, err := store.GetOrCreateUser("42"); err != nil {
		t.Fatalf("user: %v", err)
	}
	seedKey(t, store, provider, "gone", srv.ID, -time.Hour)

	if err := scanner.ReconcileDataLimits(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := provider.updates["gone"]; ok {
		t.Error("expired key received a fresh allowance")
	}
}

func TestReconcileDataLimitsSurvivesUsageReset(t *testing.T) {
	store := openTestStore(t)
	provider := newFakeProvider(db.ProtocolOutline)
	scanner := NewScanner(store, vpn.NewRegistry(provider), nil, logger.NopReporter{}, testScannerConfig())

	srv := &db.Server{ProtocolType: db.ProtocolOutline, ActiveKeyCount: 1}
	if err := store.AddServer(srv); err != nil {
		t.Fatalf("add server: %v", err)
	}
	if _, err := store.GetOrCreateUser("42"); err != nil {
		t.Fatalf("user: %v", err)
	}
	seedKey(t, store, provider, "k1", srv.ID, 20*24*time.Hour)
	// The backend was reinstalled: remote usage restarted below our marker.
	if err := store.SetUsedBytes("k1", 500); err != nil {
		t.Fatalf("seed used bytes: %v", err)
	}
	provider.mu.Lock()
	provider.keys["k1"].UsedBytes = 50
	provider.keys["k1"].DataLimit = 1000
	provider.mu.Unlock()

	if err := scanner.ReconcileDataLimits(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := provider.updates["k1"]; got != 1050 {
		t.Errorf("pushed limit = %d, want 1050 (never shrink on counter reset)", got)
	}
}
