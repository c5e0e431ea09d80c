package services

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/logger"
)

// ServerStatus is the last observed health of one backend server.
type ServerStatus struct {
	ID          uint
	IP          string
	Protocol    string
	Load        int
	Online      bool
	LastChecked time.Time
}

// StatusProbe keeps a cached view of backend reachability and alerts the
// operator when a server stops answering.
type StatusProbe struct {
	store    *db.Store
	reporter logger.Reporter

	mu   sync.RWMutex
	last []ServerStatus
}

func NewStatusProbe(store *db.Store, reporter logger.Reporter) *StatusProbe {
	return &StatusProbe{store: store, reporter: reporter}
}

func (p *StatusProbe) Statuses() []ServerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ServerStatus, len(p.last))
	copy(out, p.last)
	return out
}

// Run probes every server's control port once and refreshes the cache.
func (p *StatusProbe) Run() {
	var statuses []ServerStatus
	for _, protocol := range db.Protocols {
		servers, err := p.store.ServersByProtocol(protocol)
		if err != nil {
			logger.Error("status probe: server list failed", zap.String("protocol", protocol), zap.Error(err))
			continue
		}
		for _, srv := range servers {
			status := ServerStatus{
				ID:          srv.ID,
				IP:          srv.IP,
				Protocol:    srv.ProtocolType,
				Load:        srv.ActiveKeyCount,
				LastChecked: time.Now(),
			}
			addr := probeAddr(&srv)
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				status.Online = false
				if p.reporter != nil {
					p.reporter.Report(fmt.Sprintf("Сервер %d (%s) недоступен!", srv.ID, srv.IP))
				}
			} else {
				status.Online = true
				conn.Close()
			}
			statuses = append(statuses, status)
		}
	}
	p.mu.Lock()
	p.last = statuses
	p.mu.Unlock()
}

// probeAddr picks the port that matters for the protocol: the management
// API for outline, the panel for vless.
func probeAddr(srv *db.Server) string {
	if srv.ProtocolType == db.ProtocolOutline && srv.APIURL != "" {
		if u, err := url.Parse(srv.APIURL); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return net.JoinHostPort(srv.IP, "2053")
}
