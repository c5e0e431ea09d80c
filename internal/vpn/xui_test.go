package vpn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vpn-fleet-bot/internal/db"
)

// fakePanel imitates a 3x-ui panel: cookie login plus a single inbound
// whose clients live in a settings blob stored as a JSON string.
type fakePanel struct {
	mu         sync.Mutex
	password   string
	loginCalls int
	clients    map[string]panelClient
	traffic    map[string]struct{ Up, Down int64 }
}

func (p *fakePanel) writeJSON(w http.ResponseWriter, success bool, msg string, obj any) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"success": success, "msg": msg}
	if obj != nil {
		body["obj"] = obj
	}
	json.NewEncoder(w).Encode(body)
}

func (p *fakePanel) authorized(r *http.Request) bool {
	c, err := r.Cookie("3x-ui")
	return err == nil && c.Value == "session"
}

func (p *fakePanel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.loginCalls++
		p.mu.Unlock()
		if r.FormValue("username") != "admin" || r.FormValue("password") != p.password {
			p.writeJSON(w, false, "Invalid username or password", nil)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: "session"})
		p.writeJSON(w, true, "", nil)
	})
	mux.HandleFunc("POST /panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		if !p.authorized(r) {
			p.writeJSON(w, false, "not logged in", nil)
			return
		}
		clients, err := p.decodeSettings(r)
		if err != nil {
			p.writeJSON(w, false, err.Error(), nil)
			return
		}
		p.mu.Lock()
		for _, c := range clients {
			p.clients[c.ID] = c
		}
		p.mu.Unlock()
		p.writeJSON(w, true, "", nil)
	})
	mux.HandleFunc("POST /panel/api/inbounds/updateClient/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !p.authorized(r) {
			p.writeJSON(w, false, "not logged in", nil)
			return
		}
		clients, err := p.decodeSettings(r)
		if err != nil {
			p.writeJSON(w, false, err.Error(), nil)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range clients {
			if _, ok := p.clients[c.ID]; !ok {
				p.writeJSON(w, false, "no such client", nil)
				return
			}
			p.clients[c.ID] = c
		}
		p.writeJSON(w, true, "", nil)
	})
	mux.HandleFunc("POST /panel/api/inbounds/1/delClient/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !p.authorized(r) {
			p.writeJSON(w, false, "not logged in", nil)
			return
		}
		id := r.PathValue("id")
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.clients[id]; !ok {
			p.writeJSON(w, false, "no such client", nil)
			return
		}
		delete(p.clients, id)
		p.writeJSON(w, true, "", nil)
	})
	mux.HandleFunc("GET /panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		if !p.authorized(r) {
			p.writeJSON(w, false, "not logged in", nil)
			return
		}
		p.mu.Lock()
		list := make([]panelClient, 0, len(p.clients))
		for _, c := range p.clients {
			list = append(list, c)
		}
		p.mu.Unlock()
		settings, _ := json.Marshal(map[string][]panelClient{"clients": list})
		p.writeJSON(w, true, "", map[string]any{"settings": string(settings)})
	})
	mux.HandleFunc("GET /panel/api/inbounds/getClientTraffics/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !p.authorized(r) {
			p.writeJSON(w, false, "not logged in", nil)
			return
		}
		p.mu.Lock()
		tr := p.traffic[r.PathValue("id")]
		p.mu.Unlock()
		p.writeJSON(w, true, "", map[string]int64{"up": tr.Up, "down": tr.Down})
	})
	return mux
}

func (p *fakePanel) decodeSettings(r *http.Request) ([]panelClient, error) {
	var req struct {
		ID       int    `json:"id"`
		Settings string `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	var settings struct {
		Clients []panelClient `json:"clients"`
	}
	if err := json.Unmarshal([]byte(req.Settings), &settings); err != nil {
		return nil, err
	}
	return settings.Clients, nil
}

func newVlessBackend(t *testing.T) (*fakePanel, *db.Server) {
	t.Helper()
	panel := &fakePanel{
		password: "panel-pass",
		clients:  make(map[string]panelClient),
		traffic:  make(map[string]struct{ Up, Down int64 }),
	}
	ts := httptest.NewServer(panel.handler())
	t.Cleanup(ts.Close)
	return panel, &db.Server{
		ID:       3,
		IP:       "203.0.113.5",
		Password: "panel-pass",
		APIURL:   ts.URL,
	}
}

func TestVlessKeyRoundTrip(t *testing.T) {
	panel, srv := newVlessBackend(t)
	provider := NewVlessProvider(5*time.Second, "root")
	ctx := context.Background()

	sess, err := provider.Connect(ctx, srv)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()

	key, err := sess.CreateKey(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(key.AccessURL, "vless://"+key.ID+"@"+srv.IP) {
		t.Errorf("access url %q does not carry the client id and server ip", key.AccessURL)
	}

	if err := sess.RenameKey(ctx, key.ID, "work phone"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := sess.UpdateDataLimit(ctx, key.ID, 7000, ""); err != nil {
		t.Fatalf("limit: %v", err)
	}
	panel.mu.Lock()
	panel.traffic[key.ID] = struct{ Up, Down int64 }{Up: 40, Down: 60}
	panel.mu.Unlock()

	info, err := sess.GetKeyInfo(ctx, key.ID)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Name != "work phone" {
		t.Errorf("name = %q, want the renamed value", info.Name)
	}
	if info.DataLimit != 7000 {
		t.Errorf("limit = %d, want 7000", info.DataLimit)
	}
	if info.UsedBytes != 100 {
		t.Errorf("used = %d, want up+down = 100", info.UsedBytes)
	}

	if err := sess.DeleteKey(ctx, key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := sess.GetKeyInfo(ctx, key.ID); err == nil {
		t.Error("deleted client still readable")
	}
}

func TestVlessSessionCookieIsCached(t *testing.T) {
	panel, srv := newVlessBackend(t)
	provider := NewVlessProvider(5*time.Second, "root")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sess, err := provider.Connect(ctx, srv)
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		if _, err := sess.CreateKey(ctx); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		sess.Close()
	}

	panel.mu.Lock()
	defer panel.mu.Unlock()
	if panel.loginCalls != 1 {
		t.Errorf("panel saw %d logins for 3 connects, want 1", panel.loginCalls)
	}
}

func TestVlessConnectRejectsBadPassword(t *testing.T) {
	_, srv := newVlessBackend(t)
	srv.Password = "wrong"
	provider := NewVlessProvider(5*time.Second, "root")

	if _, err := provider.Connect(context.Background(), srv); err == nil {
		t.Error("connect succeeded with a wrong panel password")
	}
}
