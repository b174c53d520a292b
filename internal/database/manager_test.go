package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/minerelay/internal/database/influx"
	"github.com/bardlex/minerelay/internal/messaging"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	ttls     map[string]time.Duration
	active   map[string]bool
	extended int
	fail     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]SessionRecord),
		ttls:     make(map[string]time.Duration),
		active:   make(map[string]bool),
	}
}

func (f *fakeStore) SetSession(_ context.Context, id string, data any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("store down")
	}
	f.sessions[id] = data.(SessionRecord)
	f.ttls[id] = ttl
	return nil
}

func (f *fakeStore) ExtendSession(_ context.Context, id string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extended++
	f.ttls[id] = ttl
	return nil
}

func (f *fakeStore) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) AddActive(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[id] = true
	return nil
}

func (f *fakeStore) RemoveActive(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
	return nil
}

func (f *fakeStore) ActiveCount(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.active)), nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	points []*write.Point
}

func (f *fakeMetrics) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *fakeMetrics) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.points {
		out = append(out, p.Name())
	}
	return out
}

func TestManager_SessionLifecycle(t *testing.T) {
	store := newFakeStore()
	metrics := &fakeMetrics{}
	m := New(store, metrics, time.Minute, nil)

	at := time.Unix(1700000000, 0)
	m.SessionChanged(messaging.SessionEvent{SessionID: "s1", Event: messaging.SessionStateChanged, State: "connecting", At: at})
	m.SessionChanged(messaging.SessionEvent{SessionID: "s1", Event: messaging.SessionStateChanged, State: "connected", WalletType: "user", HasUserWallet: true, JobID: "j1", At: at})
	m.SessionChanged(messaging.SessionEvent{SessionID: "s1", Event: messaging.SessionKeepalive, State: "connected", At: at})
	m.SessionChanged(messaging.SessionEvent{SessionID: "s2", Event: messaging.SessionStateChanged, State: "connected", At: at})
	m.SessionChanged(messaging.SessionEvent{SessionID: "s2", Event: messaging.SessionStateChanged, State: "closed", At: at})

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rec, ok := store.sessions["s1"]
	if !ok {
		t.Fatal("Expected s1 snapshot")
	}
	if rec.State != "connected" || rec.JobID != "j1" || !rec.HasUserWallet {
		t.Errorf("Unexpected snapshot: %+v", rec)
	}
	if store.ttls["s1"] != time.Minute {
		t.Errorf("Expected TTL 1m, got %v", store.ttls["s1"])
	}
	if store.extended != 1 {
		t.Errorf("Expected 1 keepalive extension, got %d", store.extended)
	}
	if _, ok := store.sessions["s2"]; ok {
		t.Error("Expected closed session to be deleted")
	}
	if n := m.ActiveSessions(context.Background()); n != 1 {
		t.Errorf("Expected 1 active session, got %d", n)
	}
	if got := len(metrics.names()); got != 5 {
		t.Errorf("Expected 5 session points, got %d", got)
	}
}

func TestManager_FatalRemovesSession(t *testing.T) {
	store := newFakeStore()
	m := New(store, nil, 0, nil)

	m.SessionChanged(messaging.SessionEvent{SessionID: "s1", Event: messaging.SessionStateChanged, State: "connected"})
	m.SessionChanged(messaging.SessionEvent{SessionID: "s1", Event: messaging.SessionFatal, State: "disconnected"})
	_ = m.Close()

	if len(store.sessions) != 0 || len(store.active) != 0 {
		t.Errorf("Expected session removed, got sessions=%v active=%v", store.sessions, store.active)
	}
	if m.ttl != defaultSessionTTL {
		t.Errorf("Expected default TTL, got %v", m.ttl)
	}
}

func TestManager_MetricsOnly(t *testing.T) {
	metrics := &fakeMetrics{}
	m := New(nil, metrics, 0, nil)

	m.ShareProcessed(messaging.ShareEvent{SessionID: "s", Status: messaging.ShareAccepted})
	m.WalletSwitched(messaging.WalletSwitchEvent{SessionID: "s", WalletType: "operator"})
	m.Reconnecting(messaging.ReconnectEvent{SessionID: "s", Outcome: messaging.ReconnectAttempt})
	m.SessionChanged(messaging.SessionEvent{SessionID: "s", State: "connected"})
	_ = m.Close()

	want := []string{influx.MeasurementShares, influx.MeasurementWalletSwitches, influx.MeasurementReconnects, influx.MeasurementSessions}
	got := metrics.names()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("point %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if n := m.ActiveSessions(context.Background()); n != -1 {
		t.Errorf("Expected -1 without a store, got %d", n)
	}
}

func TestManager_StoreFailuresDoNotBlock(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	m := New(store, nil, 0, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.SessionChanged(messaging.SessionEvent{SessionID: fmt.Sprintf("s%d", i), State: "connecting"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer blocked on failing store")
	}
	_ = m.Close()

	if len(store.sessions) != 0 {
		t.Errorf("Expected no snapshots, got %d", len(store.sessions))
	}
}

func TestNewManager_NothingEnabled(t *testing.T) {
	m, err := NewManager(&Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
