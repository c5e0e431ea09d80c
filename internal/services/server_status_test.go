package services

import (
	"net"
	"sync"
	"testing"

	"vpn-fleet-bot/internal/db"
	"vpn-fleet-bot/internal/logger"
)

func TestProbeAddr(t *testing.T) {
	cases := []struct {
		name string
		srv  db.Server
		want string
	}{
		{
			name: "outline uses the management api host",
			srv:  db.Server{ProtocolType: db.ProtocolOutline, IP: "1.2.3.4", APIURL: "https://1.2.3.4:9090/secret"},
			want: "1.2.3.4:9090",
		},
		{
			name: "outline without api url falls back to the panel port",
			srv:  db.Server{ProtocolType: db.ProtocolOutline, IP: "1.2.3.4"},
			want: "1.2.3.4:2053",
		},
		{
			name: "vless probes the panel",
			srv:  db.Server{ProtocolType: db.ProtocolVless, IP: "5.6.7.8", APIURL: "http://5.6.7.8:2053"},
			want: "5.6.7.8:2053",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := probeAddr(&tc.srv); got != tc.want {
				t.Errorf("probeAddr = %q, want %q", got, tc.want)
			}
		})
	}
}

type recordingReporter struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingReporter) Report(msg string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func TestStatusProbeMarksServers(t *testing.T) {
	store := openTestStore(t)

	// A live listener plays the reachable server.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	up := &db.Server{ProtocolType: db.ProtocolOutline, IP: "127.0.0.1", APIURL: "https://" + ln.Addr().String() + "/secret"}
	if err := store.AddServer(up); err != nil {
		t.Fatalf("add server: %v", err)
	}
	// 192.0.2.0/24 is reserved for documentation and never routes.
	down := &db.Server{ProtocolType: db.ProtocolVless, IP: "192.0.2.1"}
	if err := store.AddServer(down); err != nil {
		t.Fatalf("add server: %v", err)
	}

	reporter := &recordingReporter{}
	probe := NewStatusProbe(store, reporter)
	probe.Run()

	statuses := probe.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	byID := map[uint]ServerStatus{}
	for _, s := range statuses {
		byID[s.ID] = s
	}
	if !byID[up.ID].Online {
		t.Error("listening server reported offline")
	}
	if byID[down.ID].Online {
		t.Error("unroutable server reported online")
	}
	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.msgs) != 1 {
		t.Errorf("operator got %d alerts, want 1 for the unreachable server", len(reporter.msgs))
	}
}

var _ logger.Reporter = (*recordingReporter)(nil)
