package services

import (
	"context"

	"go.uber.org/zap"

	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/fleet"
	"vpn-fleet-bot/internal/logger"
)

// Rebalancer provisions capacity ahead of demand: when every server of a
// protocol sits within the margin of its ceiling, it starts a new one so a
// user-facing purchase does not have to wait out a VM deploy.
type Rebalancer struct {
	store    *db.Store
	alloc    *fleet.Allocator
	capacity int
	margin   int
}

func NewRebalancer(store *db.Store, alloc *fleet.Allocator, capacity, margin int) *Rebalancer {
	return &Rebalancer{store: store, alloc: alloc, capacity: capacity, margin: margin}
}

// Run checks each protocol once. It shares the allocator's single-flight,
// so a rebalance never races a demand-triggered provisioning of the same
// protocol.
func (r *Rebalancer) Run(ctx context.Context) {
	for _, protocol := range db.Protocols {
		servers, err := r.store.ServersByProtocol(protocol)
		if err != nil {
			logger.Error("rebalancer: server list failed", zap.String("protocol", protocol), zap.Error(err))
			continue
		}
		// Half-installed servers serve no keys; their zero counters must
		// not mask real fleet pressure.
		configured := make([]db.Server, 0, len(servers))
		for _, srv := range servers {
			if srv.SetupComplete {
				configured = append(configured, srv)
			}
		}
		// Zero servers is not pressure: the first allocation provisions on
		// demand, and an idle protocol should not cost a VM.
		if len(configured) == 0 || !r.allNearCeiling(configured) {
			continue
		}
		logger.Info("fleet near capacity, pre-provisioning", zap.String("protocol", protocol))
		if err := r.alloc.Preprovision(ctx, protocol); err != nil {
			logger.Error("pre-provisioning failed", zap.String("protocol", protocol), zap.Error(err))
		}
	}
}

func (r *Rebalancer) allNearCeiling(servers []db.Server) bool {
	for _, srv := range servers {
		if srv.ActiveKeyCount < r.capacity-r.margin {
			return false
		}
	}
	return true
}
