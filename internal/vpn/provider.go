package vpn

import (
	"context"
	"fmt"

	"vpn-fleet-bot/internal/db"
)

// RemoteKey is a freshly issued credential as the backend reports it.
type RemoteKey struct {
	ID        string
	Name      string
	AccessURL string
}

// KeyInfo is the remote view of an existing key.
type KeyInfo struct {
	Name      string
	UsedBytes int64
	DataLimit int64
}

// Session is a short-lived connection to one backend server. Obtain it via
// Provider.Connect and close it when the operation batch is done; never
// cache one across unrelated requests.
type Session interface {
	CreateKey(ctx context.Context) (*RemoteKey, error)
	DeleteKey(ctx context.Context, keyID string) error
	RenameKey(ctx context.Context, keyID, newName string) error
	GetKeyInfo(ctx context.Context, keyID string) (*KeyInfo, error)
	UpdateDataLimit(ctx context.Context, keyID string, limitBytes int64, name string) error
	Close() error
}

// Provider manages keys for one backend protocol.
type Provider interface {
	Protocol() string
	Connect(ctx context.Context, srv *db.Server) (Session, error)
	// SetupServer installs and configures the VPN software on a freshly
	// provisioned VM. It fills in the connection fields of srv (api_url,
	// cert fingerprint) and is safe to retry.
	SetupServer(ctx context.Context, srv *db.Server) error
}

// Registry dispatches to the Provider for a protocol type.
type Registry map[string]Provider

func NewRegistry(providers ...Provider) Registry {
	r := make(Registry, len(providers))
	for _, p := range providers {
		r[p.Protocol()] = p
	}
	return r
}

func (r Registry) For(protocol string) (Provider, error) {
	p, ok := r[protocol]
	if !ok {
		return nil, fmt.Errorf("unknown protocol type: %q", protocol)
	}
	return p, nil
}
