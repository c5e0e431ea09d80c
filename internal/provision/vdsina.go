package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"vpn-fleet-bot/internal/logger"
)

// VM statuses reported by Status.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusError   = "error"
)

const defaultBaseURL = "https://userapi.vdsina.ru/v1"

type apiResponse struct {
	Status    string `json:"status"`
	StatusMsg string `json:"status_msg"`
	Data      struct {
		Token    string `json:"token"`
		ID       int64  `json:"id"`
		Status   string `json:"status"`
		Password string `json:"password"`
		IP       []struct {
			IP string `json:"ip"`
		} `json:"ip"`
	} `json:"data"`
}

// VDSina is a client for the VDSina hosting API, used to create virtual
// machines when fleet capacity runs out.
type VDSina struct {
	client   *resty.Client
	email    string
	password string

	datacenter int
	plan       int
	template   int

	mu    sync.Mutex
	token string
}

type Option func(*VDSina)

func WithBaseURL(url string) Option {
	return func(v *VDSina) { v.client.SetBaseURL(url) }
}

func NewVDSina(email, password string, datacenter, plan, template int, timeout time.Duration, opts ...Option) *VDSina {
	v := &VDSina{
		client:     resty.New().SetBaseURL(defaultBaseURL).SetTimeout(timeout),
		email:      email,
		password:   password,
		datacenter: datacenter,
		plan:       plan,
		template:   template,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// authenticate obtains an API token; vdsina tokens live long, so it runs
// once and again only after the API starts rejecting the cached one.
func (v *VDSina) authenticate(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.token != "" {
		return v.token, nil
	}
	var body apiResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": v.email, "password": v.password}).
		SetResult(&body).
		Post("/auth")
	if err != nil {
		return "", fmt.Errorf("vdsina auth request failed: %w", err)
	}
	if resp.IsError() || body.Status != "ok" {
		return "", fmt.Errorf("vdsina auth rejected: %s", body.StatusMsg)
	}
	v.token = body.Data.Token
	return v.token, nil
}

func (v *VDSina) dropToken() {
	v.mu.Lock()
	v.token = ""
	v.mu.Unlock()
}

func (v *VDSina) request(ctx context.Context, method, path string, payload any) (*apiResponse, error) {
	token, err := v.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	var body apiResponse
	req := v.client.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetResult(&body)
	if payload != nil {
		req.SetBody(payload)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("vdsina %s %s failed: %w", method, path, err)
	}
	if resp.StatusCode() == 401 {
		v.dropToken()
		return nil, fmt.Errorf("vdsina %s %s: token expired", method, path)
	}
	if resp.IsError() || body.Status != "ok" {
		return nil, fmt.Errorf("vdsina %s %s: %s", method, path, body.StatusMsg)
	}
	return &body, nil
}

// CreateVM deploys a new virtual machine and returns its id. The machine is
// not usable until Status reports it active.
func (v *VDSina) CreateVM(ctx context.Context) (int64, error) {
	body, err := v.request(ctx, "POST", "/server", map[string]any{
		"datacenter":  v.datacenter,
		"server-plan": v.plan,
		"template":    v.template,
		"ip4":         1,
	})
	if err != nil {
		return 0, err
	}
	logger.Info("vm deploy accepted", zap.Int64("vm_id", body.Data.ID))
	return body.Data.ID, nil
}

func (v *VDSina) VMStatus(ctx context.Context, vmID int64) (string, error) {
	body, err := v.request(ctx, "GET", fmt.Sprintf("/server/%d", vmID), nil)
	if err != nil {
		return "", err
	}
	switch body.Data.Status {
	case "active":
		return StatusActive, nil
	case "new", "creating", "pending":
		return StatusPending, nil
	default:
		return StatusError, nil
	}
}

func (v *VDSina) VMIP(ctx context.Context, vmID int64) (string, error) {
	body, err := v.request(ctx, "GET", fmt.Sprintf("/server/%d", vmID), nil)
	if err != nil {
		return "", err
	}
	if len(body.Data.IP) == 0 || body.Data.IP[0].IP == "" {
		return "", fmt.Errorf("vm %d has no ip yet", vmID)
	}
	return body.Data.IP[0].IP, nil
}

func (v *VDSina) VMPassword(ctx context.Context, vmID int64) (string, error) {
	body, err := v.request(ctx, "GET", fmt.Sprintf("/server/%d", vmID), nil)
	if err != nil {
		return "", err
	}
	if body.Data.Password == "" {
		return "", fmt.Errorf("vm %d has no password yet", vmID)
	}
	return body.Data.Password, nil
}
