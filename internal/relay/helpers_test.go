package relay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bardlex/minerelay/internal/messaging"
	"github.com/bardlex/minerelay/internal/wallet"
)

var (
	userWallet     = "4" + strings.Repeat("A", 94)
	otherWallet    = "8" + strings.Repeat("B", 94)
	operatorWallet = "4" + strings.Repeat("O", 94)
)

type poolRequest struct {
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// fakePool is a line-oriented TCP pool that answers logins with a job.
type fakePool struct {
	t  *testing.T
	ln net.Listener

	mu        sync.Mutex
	conns     []net.Conn
	requests  []poolRequest
	accepted  int
	autoLogin bool
}

func newFakePool(t *testing.T) *fakePool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakePool{t: t, ln: ln, autoLogin: true}
	go p.acceptLoop()
	t.Cleanup(p.shutdown)
	return p
}

func (p *fakePool) addr() string {
	return p.ln.Addr().String()
}

func (p *fakePool) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.accepted++
		p.mu.Unlock()
		go p.serve(conn)
	}
}

func (p *fakePool) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req poolRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		p.mu.Lock()
		p.requests = append(p.requests, req)
		auto := p.autoLogin
		p.mu.Unlock()

		if req.Method == "login" && auto {
			_, _ = fmt.Fprintf(conn, `{"id":%d,"jsonrpc":"2.0","error":null,"result":{"id":"77","job":{"job_id":"j1","target":"ffff","blob":"0707"},"status":"OK"}}`+"\n", req.ID)
		}
	}
}

func (p *fakePool) setAutoLogin(v bool) {
	p.mu.Lock()
	p.autoLogin = v
	p.mu.Unlock()
}

// send writes line to the most recent connection.
func (p *fakePool) send(line string) {
	p.t.Helper()
	p.mu.Lock()
	conn := p.conns[len(p.conns)-1]
	p.mu.Unlock()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func (p *fakePool) byMethod(method string) []poolRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []poolRequest
	for _, r := range p.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (p *fakePool) waitRequests(t *testing.T, method string, n int) []poolRequest {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(p.byMethod(method)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s requests", n, method)
	return p.byMethod(method)
}

func (p *fakePool) connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

// dropConnections closes the pool side of every connection.
func (p *fakePool) dropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
}

func (p *fakePool) shutdown() {
	_ = p.ln.Close()
	p.dropConnections()
}

// sinkRecorder collects everything delivered to the browser.
type sinkRecorder struct {
	mu   sync.Mutex
	msgs []map[string]any
	raw  []string
}

func (r *sinkRecorder) sink(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.raw = append(r.raw, string(data))
	r.mu.Unlock()
	return nil
}

func (r *sinkRecorder) find(pred func(m map[string]any) bool) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if pred(m) {
			return m, true
		}
	}
	return nil, false
}

func (r *sinkRecorder) wait(t *testing.T, pred func(m map[string]any) bool) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		m, ok := r.find(pred)
		found = m
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func (r *sinkRecorder) waitType(t *testing.T, typ string) map[string]any {
	t.Helper()
	return r.wait(t, func(m map[string]any) bool { return m["type"] == typ })
}

func (r *sinkRecorder) count(pred func(m map[string]any) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if pred(m) {
			n++
		}
	}
	return n
}

func (r *sinkRecorder) rawMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.raw...)
}

func isType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

// eventRecorder is an Observer that keeps every event.
type eventRecorder struct {
	mu         sync.Mutex
	sessions   []messaging.SessionEvent
	shares     []messaging.ShareEvent
	switches   []messaging.WalletSwitchEvent
	reconnects []messaging.ReconnectEvent
}

func (e *eventRecorder) SessionChanged(ev messaging.SessionEvent) {
	e.mu.Lock()
	e.sessions = append(e.sessions, ev)
	e.mu.Unlock()
}

func (e *eventRecorder) ShareProcessed(ev messaging.ShareEvent) {
	e.mu.Lock()
	e.shares = append(e.shares, ev)
	e.mu.Unlock()
}

func (e *eventRecorder) WalletSwitched(ev messaging.WalletSwitchEvent) {
	e.mu.Lock()
	e.switches = append(e.switches, ev)
	e.mu.Unlock()
}

func (e *eventRecorder) Reconnecting(ev messaging.ReconnectEvent) {
	e.mu.Lock()
	e.reconnects = append(e.reconnects, ev)
	e.mu.Unlock()
}

func (e *eventRecorder) reconnectOutcomes(outcome string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.reconnects {
		if ev.Outcome == outcome {
			n++
		}
	}
	return n
}

func (e *eventRecorder) shareStatuses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.shares {
		out = append(out, ev.Status)
	}
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func withClock(c *fakeClock) Option {
	return func(s *Session) { s.now = c.Now }
}

func testConfig(addr string) Config {
	return Config{
		PoolAddr:          addr,
		OperatorWallet:    operatorWallet,
		Password:          "x",
		Agent:             "MineWithMe/1.0",
		Algos:             []string{"cn/r", "rx/0"},
		DialTimeout:       time.Second,
		ReadTimeout:       100 * time.Millisecond,
		WriteTimeout:      time.Second,
		SubmitInterval:    2 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    5 * time.Millisecond,
		JobWaitTimeout:    200 * time.Millisecond,
		Wallet: wallet.Config{
			CycleLength:  time.Hour,
			UserFraction: 0.85,
		},
	}
}
