package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/logger"
	"vpn-fleet-bot/internal/vpn"
)

// Provisioner obtains fresh virtual machines from the hosting provider.
// VMStatus reports one of "pending", "active" or "error".
type Provisioner interface {
	CreateVM(ctx context.Context) (int64, error)
	VMStatus(ctx context.Context, vmID int64) (string, error)
	VMIP(ctx context.Context, vmID int64) (string, error)
	VMPassword(ctx context.Context, vmID int64) (string, error)
}

// Config carries the allocator tuning knobs.
type Config struct {
	Capacity         int           // max keys per server
	TrialPeriod      time.Duration // lifetime of a trial key
	DefaultDataLimit int64         // bytes granted to a fresh key
	VMPollInterval   time.Duration
	VMPollTimeout    time.Duration
}

// Allocator assigns new keys to the least-loaded backend server of a
// protocol, provisioning and installing a new server when none has spare
// capacity.
type Allocator struct {
	store     *db.Store
	providers vpn.Registry
	prov      Provisioner
	reporter  logger.Reporter
	cfg       Config

	// One provisioning sequence in flight per protocol: concurrent callers
	// that find no capacity wait for the running sequence instead of
	// deploying duplicate VMs. An outline provisioning storm must not block
	// a vless allocation, hence the per-protocol key.
	flight singleflight.Group
}

func NewAllocator(store *db.Store, providers vpn.Registry, prov Provisioner, reporter logger.Reporter, cfg Config) *Allocator {
	return &Allocator{
		store:     store,
		providers: providers,
		prov:      prov,
		reporter:  reporter,
		cfg:       cfg,
	}
}

// ServerForNewKey returns a server of the protocol with a slot already
// reserved for the caller. When every server is full it provisions a new
// one and retries the reservation, because the flight another caller
// started may have finished with a server the waiter can use directly.
func (a *Allocator) ServerForNewKey(ctx context.Context, protocol string) (*db.Server, error) {
	for attempt := 0; attempt < 3; attempt++ {
		srv, err := a.store.ReserveServer(protocol, a.cfg.Capacity)
		if err == nil {
			return srv, nil
		}
		if !errors.Is(err, db.ErrNoEligibleServer) {
			return nil, err
		}
		logger.Info("no eligible server, provisioning", zap.String("protocol", protocol))
		if err := a.preprovision(ctx, protocol, true); err != nil {
			return nil, err
		}
	}
	return nil, &ProvisioningError{Stage: "allocate", Err: fmt.Errorf("no capacity for %s after provisioning", protocol)}
}

// Preprovision runs the provisioning sequence for a protocol, deduplicated
// across concurrent callers. The rebalancer calls it ahead of demand, with
// spare capacity still present, so no fullness re-check happens here.
func (a *Allocator) Preprovision(ctx context.Context, protocol string) error {
	return a.preprovision(ctx, protocol, false)
}

// recheck makes the flight verify the fleet is still full before deploying:
// a caller that lost the reservation race can enter after an earlier flight
// already finished and added a server, and must not buy a second VM then.
func (a *Allocator) preprovision(ctx context.Context, protocol string, recheck bool) error {
	_, err, _ := a.flight.Do(protocol, func() (interface{}, error) {
		if recheck {
			spare, err := a.store.HasSpareCapacity(protocol, a.cfg.Capacity)
			if err != nil {
				return nil, err
			}
			if spare {
				return nil, nil
			}
		}
		// The VM is paid for the moment the deploy call lands, so the
		// sequence must not die with the first waiter's context.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.VMPollTimeout+2*time.Minute)
		defer cancel()
		return a.provisionServer(pctx, protocol)
	})
	return err
}

func (a *Allocator) provisionServer(ctx context.Context, protocol string) (*db.Server, error) {
	provider, err := a.providers.For(protocol)
	if err != nil {
		return nil, err
	}

	vmID, err := a.prov.CreateVM(ctx)
	if err != nil {
		a.report("VM creation failed: " + err.Error())
		return nil, &ProvisioningError{Stage: "create", Err: err}
	}
	logger.Info("vm created, waiting for activation", zap.Int64("vm_id", vmID), zap.String("protocol", protocol))

	if err := a.waitForVM(ctx, vmID); err != nil {
		a.report(fmt.Sprintf("VM %d never became active: %v", vmID, err))
		return nil, err
	}

	ip, err := a.prov.VMIP(ctx, vmID)
	if err != nil {
		a.report(fmt.Sprintf("VM %d has no ip: %v", vmID, err))
		return nil, &ProvisioningError{Stage: "ip", Err: err}
	}
	password, err := a.prov.VMPassword(ctx, vmID)
	if err != nil {
		a.report(fmt.Sprintf("VM %d has no password: %v", vmID, err))
		return nil, &ProvisioningError{Stage: "password", Err: err}
	}

	srv := &db.Server{
		IP:           ip,
		Password:     password,
		ProtocolType: protocol,
	}
	if err := a.store.AddServer(srv); err != nil {
		return nil, fmt.Errorf("persist server: %w", err)
	}

	if err := provider.SetupServer(ctx, srv); err != nil {
		// The row stays: the VM is paid for and an operator can rerun the
		// install. With setup_complete unset it never enters allocation.
		a.report(fmt.Sprintf("VPN install on server %d (%s) failed: %v", srv.ID, ip, err))
		return nil, &ServerSetupError{ServerID: srv.ID, Err: err}
	}
	srv.SetupComplete = true
	if err := a.store.UpdateServer(srv); err != nil {
		return nil, fmt.Errorf("persist server credentials: %w", err)
	}
	logger.Info("server provisioned", zap.Uint("server_id", srv.ID), zap.String("ip", ip), zap.String("protocol", protocol))
	return srv, nil
}

func (a *Allocator) waitForVM(ctx context.Context, vmID int64) error {
	deadline := time.NewTimer(a.cfg.VMPollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.VMPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &ProvisioningError{Stage: "status", Err: ctx.Err()}
		case <-deadline.C:
			return &ProvisioningTimeoutError{VMID: vmID, Timeout: a.cfg.VMPollTimeout}
		case <-ticker.C:
			status, err := a.prov.VMStatus(ctx, vmID)
			if err != nil {
				logger.Warn("vm status poll failed", zap.Int64("vm_id", vmID), zap.Error(err))
				continue
			}
			switch status {
			case "active":
				return nil
			case "error":
				return &ProvisioningError{Stage: "status", Err: fmt.Errorf("vm %d entered error state", vmID)}
			}
		}
	}
}

// CreateKey issues a paid key for the user: reserves a server slot, creates
// the key remotely, then persists the row. A remote failure rolls the
// reservation back so capacity is not silently lost.
func (a *Allocator) CreateKey(ctx context.Context, telegramID, protocol string, period time.Duration) (*db.Key, error) {
	if _, err := a.store.GetOrCreateUser(telegramID); err != nil {
		return nil, err
	}
	srv, err := a.ServerForNewKey(ctx, protocol)
	if err != nil {
		return nil, err
	}

	provider, err := a.providers.For(protocol)
	if err != nil {
		releaseErr := a.store.ReleaseServerSlot(srv.ID)
		if releaseErr != nil {
			logger.Error("failed to release reserved slot", zap.Uint("server_id", srv.ID), zap.Error(releaseErr))
		}
		return nil, err
	}

	remote, err := a.createRemoteKey(ctx, provider, srv)
	if err != nil {
		if releaseErr := a.store.ReleaseServerSlot(srv.ID); releaseErr != nil {
			logger.Error("failed to release reserved slot", zap.Uint("server_id", srv.ID), zap.Error(releaseErr))
		}
		return nil, &KeyCreationError{ServerID: srv.ID, Err: err}
	}

	start := time.Now().Truncate(time.Hour)
	key := &db.Key{
		KeyID:          remote.ID,
		UserTelegramID: telegramID,
		ServerID:       srv.ID,
		ProtocolType:   protocol,
		Name:           remote.Name,
		StartDate:      start,
		ExpirationDate: start.Add(period),
	}
	if err := a.store.CreateKey(key); err != nil {
		// Do not orphan the remote credential behind a row we never wrote.
		if sess, connErr := provider.Connect(ctx, srv); connErr == nil {
			if delErr := sess.DeleteKey(ctx, remote.ID); delErr != nil {
				logger.Error("failed to delete remote key after persist error",
					zap.String("key_id", remote.ID), zap.Error(delErr))
			}
			sess.Close()
		}
		if releaseErr := a.store.ReleaseServerSlot(srv.ID); releaseErr != nil {
			logger.Error("failed to release reserved slot", zap.Uint("server_id", srv.ID), zap.Error(releaseErr))
		}
		return nil, fmt.Errorf("persist key: %w", err)
	}
	logger.Info("key issued",
		zap.String("key_id", key.KeyID),
		zap.String("user", telegramID),
		zap.String("protocol", protocol),
		zap.Uint("server_id", srv.ID))
	return key, nil
}

// createRemoteKey creates the key on the server, names it and grants the
// default data allowance. Name and limit failures are tolerable: the key
// works, the hourly reconciliation sets the limit on its next pass.
func (a *Allocator) createRemoteKey(ctx context.Context, provider vpn.Provider, srv *db.Server) (*vpn.RemoteKey, error) {
	sess, err := provider.Connect(ctx, srv)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	remote, err := sess.CreateKey(ctx)
	if err != nil {
		return nil, err
	}
	name := newKeyName()
	if err := sess.RenameKey(ctx, remote.ID, name); err != nil {
		logger.Warn("rename of fresh key failed", zap.String("key_id", remote.ID), zap.Error(err))
	} else {
		remote.Name = name
	}
	if err := sess.UpdateDataLimit(ctx, remote.ID, a.cfg.DefaultDataLimit, remote.Name); err != nil {
		logger.Warn("data limit on fresh key failed", zap.String("key_id", remote.ID), zap.Error(err))
	}
	return remote, nil
}

// IssueTrialKey grants the one free trial key a user ever gets. The second
// return value is false when the trial was already spent; that is an
// expected outcome, not an error.
func (a *Allocator) IssueTrialKey(ctx context.Context, telegramID, protocol string) (*db.Key, bool, error) {
	if _, err := a.store.GetOrCreateUser(telegramID); err != nil {
		return nil, false, err
	}
	claimed, err := a.store.ClaimTrial(telegramID)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		return nil, false, nil
	}
	key, err := a.CreateKey(ctx, telegramID, protocol, a.cfg.TrialPeriod)
	if err != nil {
		if resetErr := a.store.ResetTrial(telegramID); resetErr != nil {
			logger.Error("failed to return trial after key creation error",
				zap.String("user", telegramID), zap.Error(resetErr))
		}
		return nil, false, err
	}
	return key, true, nil
}

// ExtendKey pushes a key's expiration forward by period when the user
// renews. Purely local: the backend never learns about expiry dates. The
// reminder flag is rearmed so the next expiry window notifies again.
func (a *Allocator) ExtendKey(telegramID, keyID string, period time.Duration) (*db.Key, error) {
	key, err := a.store.KeyByID(keyID)
	if err != nil {
		return nil, err
	}
	if key.UserTelegramID != telegramID {
		return nil, fmt.Errorf("key %s does not belong to user %s", keyID, telegramID)
	}
	if err := a.store.ExtendKey(keyID, period); err != nil {
		return nil, err
	}
	key, err = a.store.KeyByID(keyID)
	if err != nil {
		return nil, err
	}
	logger.Info("key extended",
		zap.String("key_id", keyID),
		zap.String("user", telegramID),
		zap.Time("expires", key.ExpirationDate))
	return key, nil
}

func (a *Allocator) report(msg string) {
	if a.reporter != nil {
		a.reporter.Report(msg)
	}
}

func newKeyName() string {
	return "key-" + strings.Split(uuid.NewString(), "-")[0]
}
