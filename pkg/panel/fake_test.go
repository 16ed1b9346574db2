package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panelbroker/gamebroker/pkg/catalog"
	"github.com/panelbroker/gamebroker/pkg/db"
)

// fakePanel is an in-process panel. Handlers can be swapped per test; every
// call is counted by endpoint.
type fakePanel struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]map[string]any
	sessions int
	handlers map[string]http.HandlerFunc

	// validSession is the only session the fake accepts; empty accepts any.
	validSession string
}

func newFakePanel(t *testing.T) *fakePanel {
	t.Helper()

	f := &fakePanel{
		t:        t,
		calls:    map[string]int{},
		bodies:   map[string][]map[string]any{},
		handlers: map[string]http.HandlerFunc{},
	}

	f.handle("Core/Login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.sessions++
		token := "session-" + string(rune('0'+f.sessions))
		f.validSession = token
		f.mu.Unlock()
		writeJSON(w, map[string]any{"success": true, "sessionID": token})
	})
	f.handle("Core/Logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"Status": true})
	})
	f.handle("Core/GetUserInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("null"))
	})
	f.handle("Core/CreateUser", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"Status": true, "Result": "uid-1"})
	})
	f.handle("Core/ResetUserPassword", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"Status": true})
	})
	f.handle("ADSModule/GetInstances", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"InstanceId": "host-remote", "FriendlyName": "Remote Box"},
			{"InstanceId": "host-local", "FriendlyName": "Local Instances"},
		})
	})
	f.handle("ADSModule/DeployTemplate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"Id": "task-42", "Status": "Running"})
	})

	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePanel) handle(endpoint string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[endpoint] = h
}

func (f *fakePanel) serve(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/API/")

	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.calls[endpoint]++
	f.bodies[endpoint] = append(f.bodies[endpoint], body)
	h := f.handlers[endpoint]
	valid := f.validSession
	f.mu.Unlock()

	if h == nil {
		http.NotFound(w, r)
		return
	}
	if endpoint != "Core/Login" && valid != "" && r.Header.Get("SESSIONID") != valid {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h(w, r)
}

func (f *fakePanel) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakePanel) lastBody(endpoint string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := f.bodies[endpoint]
	if len(bodies) == 0 {
		return nil
	}
	return bodies[len(bodies)-1]
}

// expireSessions makes the fake reject every session issued so far.
func (f *fakePanel) expireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validSession = "expired"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func slowHandler(d time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
		next(w, r)
	}
}

// memLedger is an in-memory Ledger.
type memLedger struct {
	mu      sync.Mutex
	entries []db.LedgerEntry
}

func (l *memLedger) LookupAccount(ctx context.Context, requesterID int64) (*db.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.RequesterID == requesterID {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (l *memLedger) LookupAccountByHandle(ctx context.Context, handle string) (*db.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Handle == handle {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (l *memLedger) RecordAccount(ctx context.Context, e db.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.entries {
		if existing.RequesterID == e.RequesterID || existing.Handle == e.Handle {
			return nil
		}
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func newTestClient(t *testing.T, f *fakePanel, ledger Ledger, mutate ...func(*Config)) *Client {
	t.Helper()

	cfg := Config{
		BaseURL:                 f.server.URL,
		Username:                "admin",
		Password:                "hunter2",
		LoginTimeout:            time.Second,
		ExistsTimeout:           time.Second,
		CreateTimeout:           time.Second,
		DeployTimeout:           time.Second,
		DeployHostID:            "host-fallback",
		PresumeCreatedOnTimeout: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	games, err := catalog.New(nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	c, err := NewClient(cfg, ledger, games)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}
