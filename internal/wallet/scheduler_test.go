package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Plan(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantUser time.Duration
		wantDev  time.Duration
	}{
		{"defaults", DefaultConfig(), 85 * time.Second, 15 * time.Second},
		{"all user", Config{CycleLength: 100 * time.Second, UserFraction: 1}, 100 * time.Second, 0},
		{"all operator", Config{CycleLength: 100 * time.Second, UserFraction: 0}, 0, 100 * time.Second},
		{"rounded", Config{CycleLength: 100 * time.Second, UserFraction: 0.333}, 33 * time.Second, 67 * time.Second},
		{"fraction clamped", Config{CycleLength: 10 * time.Second, UserFraction: 1.7}, 10 * time.Second, 0},
		{"millisecond resolution", Config{CycleLength: 100 * time.Millisecond, UserFraction: 0.85, Resolution: time.Millisecond}, 85 * time.Millisecond, 15 * time.Millisecond},
		{"empty cycle", Config{}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, dev := tt.cfg.Plan()
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantDev, dev)
		})
	}
}

type recordingSwitcher struct {
	mu     sync.Mutex
	phases []Phase
	ch     chan Phase
}

func newRecordingSwitcher() *recordingSwitcher {
	return &recordingSwitcher{ch: make(chan Phase, 64)}
}

func (r *recordingSwitcher) SwitchWallet(p Phase) {
	r.mu.Lock()
	r.phases = append(r.phases, p)
	r.mu.Unlock()
	r.ch <- p
}

func (r *recordingSwitcher) next(t *testing.T) Phase {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no phase entered")
		return Phase{}
	}
}

func TestScheduler_UserTimePerCycle(t *testing.T) {
	sw := newRecordingSwitcher()
	s := NewScheduler(DefaultConfig(), sw, nil)

	// Virtual clock: each wait advances time instantly; stop after one full cycle.
	var elapsed time.Duration
	credited := map[Kind]time.Duration{}
	s.wait = func(ctx context.Context, d time.Duration) error {
		if elapsed >= 100*time.Second {
			return context.Canceled
		}
		credited[s.State().Wallet()] += d
		elapsed += d
		return nil
	}

	require.True(t, s.Start(context.Background()))
	<-s.Done()

	assert.Equal(t, 85*time.Second, credited[KindUser])
	assert.Equal(t, 15*time.Second, credited[KindOperator])
	require.GreaterOrEqual(t, len(sw.phases), 2)
	assert.Equal(t, StateUserPhase, sw.phases[0].State)
	assert.Equal(t, StateDevPhase, sw.phases[1].State)
	assert.Equal(t, uint64(1), sw.phases[1].Cycle)
	assert.Equal(t, StateInactive, s.State())
}

func TestScheduler_AlternatesPhases(t *testing.T) {
	sw := newRecordingSwitcher()
	s := NewScheduler(Config{
		CycleLength:  40 * time.Millisecond,
		UserFraction: 0.5,
		Resolution:   time.Millisecond,
	}, sw, nil)

	require.True(t, s.Start(context.Background()))
	defer s.Stop()

	want := []State{StateUserPhase, StateDevPhase, StateUserPhase, StateDevPhase}
	for i, st := range want {
		p := sw.next(t)
		assert.Equal(t, st, p.State, "phase %d", i)
		assert.Equal(t, 20*time.Millisecond, p.Duration)
	}
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	sw := newRecordingSwitcher()
	s := NewScheduler(Config{CycleLength: time.Hour, UserFraction: 0.85}, sw, nil)

	require.True(t, s.Start(context.Background()))
	assert.False(t, s.Start(context.Background()))
	assert.True(t, s.Active())

	p := sw.next(t)
	assert.Equal(t, StateUserPhase, p.State)
	assert.Equal(t, StateUserPhase, s.State())

	s.Stop()
}

func TestScheduler_StopDoesNotWaitForTimer(t *testing.T) {
	sw := newRecordingSwitcher()
	s := NewScheduler(Config{CycleLength: time.Hour, UserFraction: 0.85}, sw, nil)
	require.True(t, s.Start(context.Background()))
	sw.next(t)

	start := time.Now()
	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, s.Active())
	assert.Equal(t, StateInactive, s.State())
}

func TestScheduler_ParentContextStops(t *testing.T) {
	s := NewScheduler(Config{CycleLength: time.Hour, UserFraction: 0.5}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.Start(ctx))

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler ignored parent cancellation")
	}
}

func TestScheduler_EmptyCycleNeverStarts(t *testing.T) {
	s := NewScheduler(Config{}, nil, nil)
	assert.False(t, s.Start(context.Background()))
	assert.Nil(t, s.Done())
	s.Stop()
}

func TestState_Wallet(t *testing.T) {
	assert.Equal(t, KindUser, StateUserPhase.Wallet())
	assert.Equal(t, KindOperator, StateDevPhase.Wallet())
	assert.Equal(t, KindOperator, StateInactive.Wallet())
	assert.Equal(t, "dev_phase", StateDevPhase.String())
}
