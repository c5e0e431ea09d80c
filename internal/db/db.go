package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoEligibleServer is returned by ReserveServer when no server of the
// requested protocol has spare capacity.
var ErrNoEligibleServer = errors.New("no eligible server")

// Store owns all persistent state: users, servers and issued keys.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and runs migrations.
func Open(dsn string) (*Store, error) {
	g, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return New(g)
}

// New wraps an existing gorm handle; tests pass a sqlite one.
func New(g *gorm.DB) (*Store, error) {
	if err := g.AutoMigrate(&User{}, &Server{}, &Key{}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &Store{db: g}, nil
}

// lockForUpdate adds SELECT ... FOR UPDATE where the dialect supports it.
// sqlite (tests) serializes writers on its own and rejects the clause.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// ReserveServer picks the least-loaded configured server of the protocol
// with spare capacity and increments its counter in the same transaction,
// so two concurrent allocations can never push one server past the
// ceiling. Ties break on the lowest id. Servers whose install never
// finished carry a zero counter and would otherwise win every pick, so
// eligibility requires setup_complete.
func (s *Store) ReserveServer(protocol string, ceiling int) (*Server, error) {
	var srv Server
	err := s.db.Transaction(func(tx *gorm.DB) error {
		q := lockForUpdate(tx).
			Where("protocol_type = ? AND setup_complete = ? AND active_key_count < ?", protocol, true, ceiling).
			Order("active_key_count ASC, id ASC")
		if err := q.First(&srv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoEligibleServer
			}
			return err
		}
		if err := tx.Model(&Server{}).Where("id = ?", srv.ID).
			Update("active_key_count", gorm.Expr("active_key_count + 1")).Error; err != nil {
			return err
		}
		srv.ActiveKeyCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

// ReleaseServerSlot undoes a reservation, flooring the counter at zero.
func (s *Store) ReleaseServerSlot(serverID uint) error {
	return s.db.Model(&Server{}).Where("id = ?", serverID).
		Update("active_key_count", gorm.Expr("CASE WHEN active_key_count > 0 THEN active_key_count - 1 ELSE 0 END")).Error
}

func (s *Store) AddServer(srv *Server) error {
	return s.db.Create(srv).Error
}

func (s *Store) UpdateServer(srv *Server) error {
	return s.db.Save(srv).Error
}

func (s *Store) ServerByID(id uint) (*Server, error) {
	var srv Server
	if err := s.db.First(&srv, id).Error; err != nil {
		return nil, err
	}
	return &srv, nil
}

// HasSpareCapacity reports whether any configured server of the protocol
// still has room under the ceiling.
func (s *Store) HasSpareCapacity(protocol string, ceiling int) (bool, error) {
	var count int64
	err := s.db.Model(&Server{}).
		Where("protocol_type = ? AND setup_complete = ? AND active_key_count < ?", protocol, true, ceiling).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) ServersByProtocol(protocol string) ([]Server, error) {
	var servers []Server
	if err := s.db.Where("protocol_type = ?", protocol).Order("id ASC").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

// GetOrCreateUser returns the user row, creating it on first interaction.
func (s *Store) GetOrCreateUser(telegramID string) (*User, error) {
	var user User
	err := s.db.Where(User{TelegramID: telegramID}).
		Attrs(User{SubscriptionStatus: "active"}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UsersWithKeys loads every user together with their issued keys.
func (s *Store) UsersWithKeys() ([]User, error) {
	var users []User
	if err := s.db.Preload("Keys").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// ClaimTrial flips used_trial_period. Returns false when the user already
// spent the trial; the guarded UPDATE makes concurrent claims race-safe.
func (s *Store) ClaimTrial(telegramID string) (bool, error) {
	res := s.db.Model(&User{}).
		Where("telegram_id = ? AND used_trial_period = ?", telegramID, false).
		Update("used_trial_period", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ResetTrial undoes ClaimTrial when key creation failed afterwards.
func (s *Store) ResetTrial(telegramID string) error {
	return s.db.Model(&User{}).Where("telegram_id = ?", telegramID).
		Update("used_trial_period", false).Error
}

func (s *Store) CreateKey(key *Key) error {
	return s.db.Create(key).Error
}

func (s *Store) KeyByID(keyID string) (*Key, error) {
	var key Key
	if err := s.db.Where("key_id = ?", keyID).First(&key).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) RenameKey(keyID, newName string) error {
	return s.db.Model(&Key{}).Where("key_id = ?", keyID).Update("name", newName).Error
}

func (s *Store) SetUsedBytes(keyID string, usedBytes int64) error {
	return s.db.Model(&Key{}).Where("key_id = ?", keyID).
		Update("used_bytes_last_period", usedBytes).Error
}

// ExtendKey pushes the key's expiration forward by period and rearms the
// expiry reminder. An already expired key extends from now, not from the
// stale date, so a late renewal still buys the full period.
func (s *Store) ExtendKey(keyID string, period time.Duration) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var key Key
		if err := tx.Where("key_id = ?", keyID).First(&key).Error; err != nil {
			return err
		}
		base := key.ExpirationDate
		if now := time.Now(); base.Before(now) {
			base = now
		}
		return tx.Model(&Key{}).Where("key_id = ?", keyID).Updates(map[string]interface{}{
			"expiration_date":   base.Add(period),
			"notified_expiring": false,
		}).Error
	})
}

func (s *Store) MarkNotified(keyID string) error {
	return s.db.Model(&Key{}).Where("key_id = ?", keyID).
		Update("notified_expiring", true).Error
}

// ActiveKeys returns every key that has not expired yet as of now.
func (s *Store) ActiveKeys(now time.Time) ([]Key, error) {
	var keys []Key
	if err := s.db.Where("expiration_date > ?", now).Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteKeyAndRelease removes the key row and returns its server's capacity
// in one transaction. Callers must have deleted the remote key first.
func (s *Store) DeleteKeyAndRelease(keyID string, serverID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key_id = ?", keyID).Delete(&Key{}).Error; err != nil {
			return err
		}
		return tx.Model(&Server{}).Where("id = ?", serverID).
			Update("active_key_count", gorm.Expr("CASE WHEN active_key_count > 0 THEN active_key_count - 1 ELSE 0 END")).Error
	})
}

// SyncServerCounts resets every counter to the number of stored keys still
// referencing the server. Run after an expiry sweep so drift never survives
// a full pass.
func (s *Store) SyncServerCounts() error {
	var servers []Server
	if err := s.db.Find(&servers).Error; err != nil {
		return err
	}
	for _, srv := range servers {
		var count int64
		if err := s.db.Model(&Key{}).Where("server_id = ?", srv.ID).Count(&count).Error; err != nil {
			return err
		}
		if int(count) != srv.ActiveKeyCount {
			if err := s.db.Model(&Server{}).Where("id = ?", srv.ID).
				Update("active_key_count", count).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
