package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/logger"
	"vpn-fleet-bot/internal/vpn"
)

// ReconcileDataLimits grants every live key a rolling transfer allowance.
// Backends enforce a hard ceiling per key; instead of resetting usage each
// period, the limit grows by what was consumed since the last pass:
//
//	new_limit = current_limit + (used_now - used_last_period)
//
// so partial-period usage survives the rollover boundary.
func (s *Scanner) ReconcileDataLimits(ctx context.Context) error {
	keys, err := s.store.ActiveKeys(time.Now())
	if err != nil {
		return fmt.Errorf("load active keys: %w", err)
	}

	byServer := make(map[uint][]db.Key)
	for _, key := range keys {
		byServer[key.ServerID] = append(byServer[key.ServerID], key)
	}

	for serverID, serverKeys := range byServer {
		if err := s.reconcileServer(ctx, serverID, serverKeys); err != nil {
			// One unreachable backend must not stall the rest of the fleet.
			logger.Error("limit reconciliation skipped for server",
				zap.Uint("server_id", serverID), zap.Error(err))
		}
	}
	return nil
}

func (s *Scanner) reconcileServer(ctx context.Context, serverID uint, keys []db.Key) error {
	srv, err := s.store.ServerByID(serverID)
	if err != nil {
		return fmt.Errorf("load server: %w", err)
	}
	provider, err := s.providers.For(srv.ProtocolType)
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	sess, err := provider.Connect(connCtx, srv)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	for _, key := range keys {
		if err := s.reconcileKey(ctx, sess, key); err != nil {
			logger.Warn("limit reconciliation skipped for key",
				zap.String("key_id", key.KeyID), zap.Error(err))
		}
	}
	return nil
}

func (s *Scanner) reconcileKey(ctx context.Context, sess vpn.Session, key db.Key) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()

	info, err := sess.GetKeyInfo(callCtx, key.KeyID)
	if err != nil {
		return fmt.Errorf("get key info: %w", err)
	}
	consumed := info.UsedBytes - key.UsedBytesLastPeriod
	if consumed < 0 {
		// Backend usage counters reset on reinstall; start the period over.
		consumed = info.UsedBytes
	}
	newLimit := info.DataLimit + consumed
	if err := sess.UpdateDataLimit(callCtx, key.KeyID, newLimit, key.Name); err != nil {
		return fmt.Errorf("update data limit: %w", err)
	}
	if err := s.store.SetUsedBytes(key.KeyID, info.UsedBytes); err != nil {
		return fmt.Errorf("persist used bytes: %w", err)
	}
	logger.Info("data limit rolled forward",
		zap.String("key_id", key.KeyID),
		zap.Int64("used_bytes", info.UsedBytes),
		zap.Int64("new_limit", newLimit))
	return nil
}
