package vpn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/logger"
)

const (
	panelPort      = 2053
	vlessPort      = 443
	panelInboundID = 1
	vlessFlow      = "xtls-rprx-vision"

	xuiInstallCmd = `bash <(curl -Ls https://raw.githubusercontent.com/mhsanaei/3x-ui/master/install.sh) <<< "n"`
)

// VlessProvider manages keys through a 3x-ui panel running on each server.
// Panel sessions are cookie-based, so logins are cached per server and
// refreshed when the panel starts rejecting them.
type VlessProvider struct {
	timeout  time.Duration
	sshUser  string
	sessions *cache.Cache // server id -> []*http.Cookie
}

func NewVlessProvider(timeout time.Duration, sshUser string) *VlessProvider {
	return &VlessProvider{
		timeout:  timeout,
		sshUser:  sshUser,
		sessions: cache.New(30*time.Minute, 10*time.Minute),
	}
}

func (p *VlessProvider) Protocol() string { return db.ProtocolVless }

type panelResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

func (p *VlessProvider) Connect(ctx context.Context, srv *db.Server) (Session, error) {
	host := srv.APIURL
	if host == "" {
		if srv.IP == "" {
			return nil, fmt.Errorf("server %d has no panel address", srv.ID)
		}
		host = fmt.Sprintf("http://%s:%d", srv.IP, panelPort)
	}
	client := resty.New().SetBaseURL(host).SetTimeout(p.timeout)

	cacheKey := fmt.Sprintf("panel-session-%d", srv.ID)
	if cookies, found := p.sessions.Get(cacheKey); found {
		client.SetCookies(cookies.([]*http.Cookie))
		return &vlessSession{client: client, serverIP: srv.IP}, nil
	}

	var loginResp panelResponse
	resp, err := client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": "admin",
			"password": srv.Password,
		}).
		SetResult(&loginResp).
		Post("/login")
	if err != nil {
		return nil, fmt.Errorf("panel login request failed: %w", err)
	}
	if resp.IsError() || !loginResp.Success {
		return nil, fmt.Errorf("panel login to %s failed: status %d: %s", host, resp.StatusCode(), loginResp.Msg)
	}
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return nil, fmt.Errorf("panel login to %s returned no session cookie", host)
	}
	p.sessions.Set(cacheKey, cookies, cache.DefaultExpiration)
	client.SetCookies(cookies)
	return &vlessSession{client: client, serverIP: srv.IP}, nil
}

// SetupServer installs 3x-ui and points the panel at the credentials stored
// for the server. The installer exits cleanly when the panel already runs.
func (p *VlessProvider) SetupServer(ctx context.Context, srv *db.Server) error {
	if _, err := runRemote(ctx, srv.IP, p.sshUser, srv.Password, xuiInstallCmd, p.timeout); err != nil {
		return fmt.Errorf("panel install on %s: %w", srv.IP, err)
	}
	configure := fmt.Sprintf(
		"/usr/local/x-ui/x-ui setting -username admin -password %q -port %d && x-ui restart",
		srv.Password, panelPort,
	)
	if _, err := runRemote(ctx, srv.IP, p.sshUser, srv.Password, configure, p.timeout); err != nil {
		return fmt.Errorf("panel configure on %s: %w", srv.IP, err)
	}
	srv.APIURL = fmt.Sprintf("http://%s:%d", srv.IP, panelPort)
	logger.Info("vless server configured", zap.String("ip", srv.IP))
	return nil
}

type vlessSession struct {
	client   *resty.Client
	serverIP string
}

// panelClient mirrors the client object inside an inbound's settings JSON.
// id doubles as the key id; email must stay unique per panel, so it carries
// the same value.
type panelClient struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Flow    string `json:"flow"`
	LimitIP int    `json:"limitIp"`
	TotalGB int64  `json:"totalGB"`
	Enable  bool   `json:"enable"`
	SubID   string `json:"subId"`
	Comment string `json:"comment"`
}

func clientSettings(c panelClient) (string, error) {
	raw, err := json.Marshal(map[string][]panelClient{"clients": {c}})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *vlessSession) post(ctx context.Context, path string, body any) (*panelResponse, error) {
	var panelResp panelResponse
	req := s.client.R().SetContext(ctx).SetResult(&panelResp)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	if err != nil {
		return nil, fmt.Errorf("panel request %s failed: %w", path, err)
	}
	if resp.IsError() || !panelResp.Success {
		return nil, fmt.Errorf("panel request %s: status %d: %s", path, resp.StatusCode(), panelResp.Msg)
	}
	return &panelResp, nil
}

func (s *vlessSession) CreateKey(ctx context.Context) (*RemoteKey, error) {
	id := uuid.NewString()
	settings, err := clientSettings(panelClient{
		ID:      id,
		Email:   id,
		Flow:    vlessFlow,
		LimitIP: 1,
		Enable:  true,
		SubID:   id,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.post(ctx, "/panel/api/inbounds/addClient", map[string]any{
		"id":       panelInboundID,
		"settings": settings,
	}); err != nil {
		return nil, err
	}
	access := fmt.Sprintf("vless://%s@%s:%d?type=tcp&security=reality&flow=%s#%s",
		id, s.serverIP, vlessPort, vlessFlow, id)
	return &RemoteKey{ID: id, AccessURL: access}, nil
}

func (s *vlessSession) DeleteKey(ctx context.Context, keyID string) error {
	_, err := s.post(ctx, fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", panelInboundID, keyID), nil)
	return err
}

// getClient reads the client back out of the inbound settings blob; the
// panel stores settings as a JSON string inside the JSON response.
func (s *vlessSession) getClient(ctx context.Context, keyID string) (*panelClient, error) {
	var inboundResp panelResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&inboundResp).
		Get(fmt.Sprintf("/panel/api/inbounds/get/%d", panelInboundID))
	if err != nil {
		return nil, fmt.Errorf("get inbound request failed: %w", err)
	}
	if resp.IsError() || !inboundResp.Success {
		return nil, fmt.Errorf("get inbound: status %d: %s", resp.StatusCode(), inboundResp.Msg)
	}
	var inbound struct {
		Settings string `json:"settings"`
	}
	if err := json.Unmarshal(inboundResp.Obj, &inbound); err != nil {
		return nil, fmt.Errorf("parse inbound: %w", err)
	}
	var settings struct {
		Clients []panelClient `json:"clients"`
	}
	if err := json.Unmarshal([]byte(inbound.Settings), &settings); err != nil {
		return nil, fmt.Errorf("parse inbound settings: %w", err)
	}
	for i := range settings.Clients {
		if settings.Clients[i].ID == keyID {
			return &settings.Clients[i], nil
		}
	}
	return nil, fmt.Errorf("client %s not found on server %s", keyID, s.serverIP)
}

func (s *vlessSession) updateClient(ctx context.Context, c *panelClient) error {
	settings, err := clientSettings(*c)
	if err != nil {
		return err
	}
	_, err = s.post(ctx, "/panel/api/inbounds/updateClient/"+c.ID, map[string]any{
		"id":       panelInboundID,
		"settings": settings,
	})
	return err
}

func (s *vlessSession) RenameKey(ctx context.Context, keyID, newName string) error {
	c, err := s.getClient(ctx, keyID)
	if err != nil {
		return err
	}
	c.Comment = newName
	return s.updateClient(ctx, c)
}

func (s *vlessSession) GetKeyInfo(ctx context.Context, keyID string) (*KeyInfo, error) {
	c, err := s.getClient(ctx, keyID)
	if err != nil {
		return nil, err
	}
	var trafficResp panelResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&trafficResp).
		Get("/panel/api/inbounds/getClientTraffics/" + keyID)
	if err != nil {
		return nil, fmt.Errorf("client traffic request failed: %w", err)
	}
	if resp.IsError() || !trafficResp.Success {
		return nil, fmt.Errorf("client traffic: status %d: %s", resp.StatusCode(), trafficResp.Msg)
	}
	var traffic struct {
		Up    int64 `json:"up"`
		Down  int64 `json:"down"`
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(trafficResp.Obj, &traffic); err != nil {
		return nil, fmt.Errorf("parse client traffic: %w", err)
	}
	return &KeyInfo{
		Name:      c.Comment,
		UsedBytes: traffic.Up + traffic.Down,
		DataLimit: c.TotalGB,
	}, nil
}

func (s *vlessSession) UpdateDataLimit(ctx context.Context, keyID string, limitBytes int64, name string) error {
	c, err := s.getClient(ctx, keyID)
	if err != nil {
		return err
	}
	c.TotalGB = limitBytes
	if name != "" {
		c.Comment = name
	}
	return s.updateClient(ctx, c)
}

func (s *vlessSession) Close() error { return nil }
