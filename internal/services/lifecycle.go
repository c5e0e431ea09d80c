package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/fleet"
	"vpn-fleet-bot/internal/logger"
	"vpn-fleet-bot/internal/vpn"
)

// ExpiringKey is one entry of a user's batched expiry notice.
type ExpiringKey struct {
	KeyID    string
	Name     string
	DaysLeft int // 0 means already past expiration, inside the grace window
}

// Notifier delivers user-facing notices. One call per user per sweep,
// never one per key.
type Notifier interface {
	NotifyExpiring(telegramID string, keys []ExpiringKey) error
}

// ScannerConfig carries the sweep tuning knobs.
type ScannerConfig struct {
	SoonWindow    time.Duration // keys expiring within this window get a notice
	Grace         time.Duration // time past expiration before deletion
	RemoteTimeout time.Duration // per-call budget for backend requests
}

// Scanner is the periodic lifecycle sweep: it classifies every issued key,
// deletes the ones expired beyond grace, batches expiry notices per user
// and keeps server counters honest.
type Scanner struct {
	store     *db.Store
	providers vpn.Registry
	notifier  Notifier
	reporter  logger.Reporter
	cfg       ScannerConfig
}

func NewScanner(store *db.Store, providers vpn.Registry, notifier Notifier, reporter logger.Reporter, cfg ScannerConfig) *Scanner {
	return &Scanner{store: store, providers: providers, notifier: notifier, reporter: reporter, cfg: cfg}
}

// CheckExpirations runs one full sweep. A key lands in exactly one bucket:
// deleted, noticed, or untouched. Remote failures leave the key in place
// for the next pass.
func (s *Scanner) CheckExpirations(ctx context.Context) error {
	now := time.Now()
	users, err := s.store.UsersWithKeys()
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}

	for _, user := range users {
		var expiring []ExpiringKey
		for i := range user.Keys {
			key := user.Keys[i]
			left := key.ExpirationDate.Sub(now)
			switch {
			case left <= -s.cfg.Grace:
				if err := s.deleteExpired(ctx, &key); err != nil {
					logger.Error("expired key kept for next sweep",
						zap.String("key_id", key.KeyID), zap.Error(err))
				}
			case left <= 0:
				// Past expiration but inside grace: warn, delete next pass.
				expiring = append(expiring, ExpiringKey{KeyID: key.KeyID, Name: key.Name, DaysLeft: 0})
			case left < s.cfg.SoonWindow:
				if key.NotifiedExpiring {
					continue
				}
				// +1 день, чтобы учесть текущий день
				days := int(left.Hours()/24) + 1
				expiring = append(expiring, ExpiringKey{KeyID: key.KeyID, Name: key.Name, DaysLeft: days})
				if err := s.store.MarkNotified(key.KeyID); err != nil {
					logger.Error("failed to mark key as notified", zap.String("key_id", key.KeyID), zap.Error(err))
				}
			}
		}
		if len(expiring) > 0 && s.notifier != nil {
			if err := s.notifier.NotifyExpiring(user.TelegramID, expiring); err != nil {
				logger.Error("expiry notice failed", zap.String("user", user.TelegramID), zap.Error(err))
			}
		}
	}

	// Counters drift when a process dies between a remote call and its
	// paired decrement; a full pass ends by squaring them with the rows.
	if err := s.store.SyncServerCounts(); err != nil {
		return fmt.Errorf("sync server counters: %w", err)
	}
	return nil
}

// deleteExpired removes the key remotely first, then drops the row and
// returns the server slot in one transaction. Order matters: deleting the
// row before the backend confirms would leak a ghost key on the server.
func (s *Scanner) deleteExpired(ctx context.Context, key *db.Key) error {
	provider, err := s.providers.For(key.ProtocolType)
	if err != nil {
		return err
	}
	srv, err := s.store.ServerByID(key.ServerID)
	if err != nil {
		return fmt.Errorf("load server %d: %w", key.ServerID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()
	sess, err := provider.Connect(callCtx, srv)
	if err != nil {
		return &fleet.RemoteDeletionError{KeyID: key.KeyID, ServerID: srv.ID, Err: err}
	}
	defer sess.Close()
	if err := sess.DeleteKey(callCtx, key.KeyID); err != nil {
		return &fleet.RemoteDeletionError{KeyID: key.KeyID, ServerID: srv.ID, Err: err}
	}

	if err := s.store.DeleteKeyAndRelease(key.KeyID, srv.ID); err != nil {
		return fmt.Errorf("drop key row %s: %w", key.KeyID, err)
	}
	logger.Info("expired key removed",
		zap.String("key_id", key.KeyID),
		zap.Uint("server_id", srv.ID),
		zap.String("user", key.UserTelegramID))
	return nil
}
