package vpn

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/logger"
)

const outlineInstallCmd = `sudo bash -c "$(curl -sSL https://raw.githubusercontent.com/Jigsaw-Code/outline-server/master/src/server_manager/install_scripts/install_server.sh)"`

// OutlineProvider manages keys on Outline servers through their management
// REST API. The API serves a self-signed certificate, so every connection is
// pinned to the server's SHA-256 fingerprint instead of the system CA set.
type OutlineProvider struct {
	timeout time.Duration
	sshUser string
}

func NewOutlineProvider(timeout time.Duration, sshUser string) *OutlineProvider {
	return &OutlineProvider{timeout: timeout, sshUser: sshUser}
}

func (p *OutlineProvider) Protocol() string { return db.ProtocolOutline }

func (p *OutlineProvider) Connect(_ context.Context, srv *db.Server) (Session, error) {
	if srv.APIURL == "" || srv.CertSHA256 == "" {
		return nil, fmt.Errorf("server %d has no outline api credentials", srv.ID)
	}
	fingerprint, err := hex.DecodeString(strings.ReplaceAll(srv.CertSHA256, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("bad cert fingerprint for server %d: %w", srv.ID, err)
	}
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true, // replaced by the fingerprint check below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha256.Sum256(raw)
				if bytes.Equal(sum[:], fingerprint) {
					return nil
				}
			}
			return fmt.Errorf("certificate fingerprint mismatch for %s", srv.APIURL)
		},
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(srv.APIURL, "/")).
		SetTimeout(p.timeout).
		SetTLSClientConfig(tlsCfg)
	return &outlineSession{client: client}, nil
}

// SetupServer runs the Outline installer on the VM and records the api_url
// and certificate fingerprint the installer prints. The installer is a
// no-op when the service is already running, so a retry is safe.
func (p *OutlineProvider) SetupServer(ctx context.Context, srv *db.Server) error {
	out, err := runRemote(ctx, srv.IP, p.sshUser, srv.Password, outlineInstallCmd, p.timeout)
	if err != nil {
		return fmt.Errorf("outline install on %s: %w", srv.IP, err)
	}
	apiURL, certSHA, err := parseOutlineInstallOutput(out)
	if err != nil {
		return fmt.Errorf("outline install on %s: %w", srv.IP, err)
	}
	srv.APIURL = apiURL
	srv.CertSHA256 = certSHA
	logger.Info("outline server configured", zap.String("ip", srv.IP), zap.String("api_url", apiURL))
	return nil
}

// The installer ends with a single JSON line:
// {"apiUrl":"https://1.2.3.4:9090/abc","certSha256":"AB12..."}
func parseOutlineInstallOutput(out string) (apiURL, certSHA string, err error) {
	var conf struct {
		APIURL     string `json:"apiUrl"`
		CertSHA256 string `json:"certSha256"`
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.Contains(line, "apiUrl") {
			continue
		}
		if json.Unmarshal([]byte(line), &conf) == nil && conf.APIURL != "" && conf.CertSHA256 != "" {
			return conf.APIURL, conf.CertSHA256, nil
		}
	}
	return "", "", fmt.Errorf("install output contains no api config")
}

type outlineSession struct {
	client *resty.Client
}

type outlineKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccessURL string `json:"accessUrl"`
	DataLimit *struct {
		Bytes int64 `json:"bytes"`
	} `json:"dataLimit"`
}

func (s *outlineSession) CreateKey(ctx context.Context) (*RemoteKey, error) {
	var key outlineKey
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&key).
		Post("/access-keys")
	if err != nil {
		return nil, fmt.Errorf("create key request failed: %w", err)
	}
	if resp.StatusCode() != 201 {
		return nil, fmt.Errorf("create key: unexpected status %d: %s", resp.StatusCode(), resp.String())
	}
	return &RemoteKey{ID: key.ID, Name: key.Name, AccessURL: key.AccessURL}, nil
}

func (s *outlineSession) DeleteKey(ctx context.Context, keyID string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		Delete("/access-keys/" + keyID)
	if err != nil {
		return fmt.Errorf("delete key request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("delete key %s: unexpected status %d", keyID, resp.StatusCode())
	}
	return nil
}

func (s *outlineSession) RenameKey(ctx context.Context, keyID, newName string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"name": newName}).
		Put("/access-keys/" + keyID + "/name")
	if err != nil {
		return fmt.Errorf("rename key request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("rename key %s: unexpected status %d", keyID, resp.StatusCode())
	}
	return nil
}

func (s *outlineSession) GetKeyInfo(ctx context.Context, keyID string) (*KeyInfo, error) {
	var key outlineKey
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&key).
		Get("/access-keys/" + keyID)
	if err != nil {
		return nil, fmt.Errorf("get key request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get key %s: unexpected status %d", keyID, resp.StatusCode())
	}

	var metrics struct {
		BytesTransferredByUserID map[string]int64 `json:"bytesTransferredByUserId"`
	}
	resp, err = s.client.R().
		SetContext(ctx).
		SetResult(&metrics).
		Get("/metrics/transfer")
	if err != nil {
		return nil, fmt.Errorf("transfer metrics request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("transfer metrics: unexpected status %d", resp.StatusCode())
	}

	info := &KeyInfo{
		Name:      key.Name,
		UsedBytes: metrics.BytesTransferredByUserID[keyID],
	}
	if key.DataLimit != nil {
		info.DataLimit = key.DataLimit.Bytes
	}
	return info, nil
}

func (s *outlineSession) UpdateDataLimit(ctx context.Context, keyID string, limitBytes int64, _ string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"limit": map[string]int64{"bytes": limitBytes}}).
		Put("/access-keys/" + keyID + "/data-limit")
	if err != nil {
		return fmt.Errorf("update data limit request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("update data limit for %s: unexpected status %d", keyID, resp.StatusCode())
	}
	return nil
}

func (s *outlineSession) Close() error { return nil }
