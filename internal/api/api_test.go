package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bastion-project/bastion/internal/auth"
	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/network"
	"github.com/bastion-project/bastion/internal/protocol"
	"github.com/bastion-project/bastion/internal/server"
)

const testToken = "secret-token"

type idleTransport struct{}

func (idleTransport) Poll() []network.Event { return nil }
func (idleTransport) Send(network.PeerID, protocol.Message, network.Reliability) error {
	return nil
}
func (idleTransport) Disconnect(network.PeerID, string)                  {}
func (idleTransport) SetState(network.PeerID, network.PeerState) error { return nil }
func (idleTransport) Peers() []network.PeerInfo                          { return nil }
func (idleTransport) Stats() network.Stats                               { return network.Stats{Peers: 3} }

func testServer(t *testing.T, mod func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ServerData.MaxSessions = 1
	cfg.ServerData.Session.MapsDirectory = t.TempDir()
	cfg.ApplicationData.Security.APIToken = testToken
	cfg.ApplicationData.Collaborators.APIKey = "collaborator-key"
	if mod != nil {
		mod(cfg)
	}

	bus := events.NewEventBus()
	m, err := server.NewManager(cfg, server.Deps{
		Transport:     idleTransport{},
		Authenticator: auth.NewAuthenticator(auth.DevVerifier{}, time.Second),
		EventBus:      bus,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		bus.Stop()
	})
	return NewServer(cfg, bus, m, "test")
}

func do(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPublicEndpoints(t *testing.T) {
	s := testServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/public/ping", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ping = %d", rec.Code)
	}
	if rec.Header().Get("Server") != "Bastion" {
		t.Fatalf("Server header = %q", rec.Header().Get("Server"))
	}

	rec = do(t, s, http.MethodGet, "/api/public/capacity", "", nil)
	var capacity server.Capacity
	if err := json.Unmarshal(rec.Body.Bytes(), &capacity); err != nil {
		t.Fatal(err)
	}
	if capacity.MaxSessions != 1 || capacity.Peers != 3 || capacity.FreeSlots != 4 {
		t.Fatalf("capacity = %+v", capacity)
	}
}

func TestTokenRequired(t *testing.T) {
	s := testServer(t, nil)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, "/api/monitor/sessions", tt.token, nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthDisabledBypassesToken(t *testing.T) {
	s := testServer(t, func(c *config.Config) {
		c.ApplicationData.Security.AuthDisabled = true
		c.ApplicationData.Security.APIToken = ""
	})
	rec := do(t, s, http.MethodGet, "/api/monitor/transport", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateSessionStatusCodes(t *testing.T) {
	s := testServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/control/sessions", testToken, server.CreateRequest{Mode: "chess"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mode = %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/control/sessions", testToken, server.CreateRequest{MatchID: "m-1", Mode: "coop"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var info server.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.MatchID != "m-1" || info.Mode != "coop" {
		t.Fatalf("info = %+v", info)
	}

	rec = do(t, s, http.MethodPost, "/api/control/sessions", testToken, server.CreateRequest{MatchID: "m-1"})
	if rec.Code != http.StatusConflict && rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("duplicate = %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/control/sessions", testToken, server.CreateRequest{MatchID: "m-2"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("over capacity = %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/api/monitor/sessions/m-1", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session = %d", rec.Code)
	}
}

func TestAbortSession(t *testing.T) {
	s := testServer(t, nil)

	rec := do(t, s, http.MethodDelete, "/api/control/sessions/ghost", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown = %d", rec.Code)
	}

	do(t, s, http.MethodPost, "/api/control/sessions", testToken, server.CreateRequest{MatchID: "m-1"})
	rec = do(t, s, http.MethodDelete, "/api/control/sessions/m-1", testToken, map[string]string{"reason": "maintenance"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("abort = %d", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec := do(t, s, http.MethodGet, "/api/monitor/sessions/m-1", testToken, nil); rec.Code == http.StatusNotFound {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("aborted session was never torn down")
}

func TestVerifyWithoutReplays(t *testing.T) {
	s := testServer(t, nil)
	rec := do(t, s, http.MethodPost, "/api/control/replays/m-1/verify", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("verify = %d", rec.Code)
	}
}

func TestConfigIsRedacted(t *testing.T) {
	s := testServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/configure/config", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("config = %d", rec.Code)
	}
	body := rec.Body.String()
	if bytes.Contains([]byte(body), []byte(testToken)) || bytes.Contains([]byte(body), []byte("collaborator-key")) {
		t.Fatalf("secrets leaked: %s", body)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of two should pass")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("other clients are independent")
	}

	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Fatal("token should refill after a second")
	}

	now = now.Add(idleLimiterTTL + time.Second)
	rl.Allow("c")
	if _, ok := rl.clients["a"]; ok {
		t.Fatal("idle limiter was not swept")
	}
}
