package stratum

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/minerelay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPool struct {
	ln    net.Listener
	conns chan net.Conn
}

func newTestPool(t *testing.T) *testPool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &testPool{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return p
}

func (p *testPool) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not receive a connection")
		return nil
	}
}

type collector struct {
	mu   sync.Mutex
	msgs []*PoolMessage
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) HandlePoolMessage(msg *PoolMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []*PoolMessage {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*PoolMessage(nil), c.msgs...)
}

func dialTest(t *testing.T, p *testPool, h Handler) (*Link, net.Conn) {
	t.Helper()
	link, err := Dial(context.Background(), p.ln.Addr().String(), Options{ReadTimeout: 100 * time.Millisecond}, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })
	return link, p.accept(t)
}

func TestLink_LoginAndSubmitWriteLines(t *testing.T) {
	pool := newTestPool(t)
	seq := &Sequence{}
	link, err := Dial(context.Background(), pool.ln.Addr().String(), Options{Sequence: seq}, nil)
	require.NoError(t, err)
	defer link.Close()
	conn := pool.accept(t)
	reader := bufio.NewReader(conn)

	id, err := link.Login(LoginParams{Login: "4wallet", Pass: "x", Agent: "MineWithMe/1.0", Algo: []string{"rx/0"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"method":"login","params":{"login":"4wallet","pass":"x","agent":"MineWithMe/1.0","algo":["rx/0"]}}`, line)

	id, err = link.Submit(SubmitParams{ID: "77", JobID: "j1", Nonce: "abc", Result: "def"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":2,"method":"submit","params":{"id":"77","job_id":"j1","nonce":"abc","result":"def"}}`, line)
	assert.Equal(t, uint64(2), seq.Last())
}

func TestLink_ReceivesInOrderAcrossSplitWrites(t *testing.T) {
	pool := newTestPool(t)
	c := newCollector()
	_, conn := dialTest(t, pool, c)

	writes := []string{
		`{"id":1,"result":{"id":"77","job":{"job_id":"j1","target":"ffff"}}}` + "\n" + `{"method":"job","par`,
		`ams":{"job_id":"j2","target":"ff00"}}` + "\n",
		"not json\n",
		`{"id":2,"result":{"status":"OK"}}` + "\n",
	}
	for _, w := range writes {
		_, err := conn.Write([]byte(w))
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}

	msgs := c.wait(t, 3)
	require.Len(t, msgs, 3)
	assert.Equal(t, KindLoginResult, msgs[0].Kind)
	assert.Equal(t, KindJob, msgs[1].Kind)
	assert.Equal(t, "j2", msgs[1].Job.ID)
	assert.Equal(t, KindSubmitResult, msgs[2].Kind)
}

func TestLink_SurvivesReadTimeouts(t *testing.T) {
	pool := newTestPool(t)
	c := newCollector()
	link, conn := dialTest(t, pool, c)

	// Several read deadlines pass with no data.
	time.Sleep(350 * time.Millisecond)
	require.True(t, link.Connected())

	_, err := conn.Write([]byte(`{"method":"job","params":{"job_id":"late"}}` + "\n"))
	require.NoError(t, err)
	msgs := c.wait(t, 1)
	assert.Equal(t, "late", msgs[0].Job.ID)
}

func TestLink_RemoteCloseReportsError(t *testing.T) {
	pool := newTestPool(t)
	link, conn := dialTest(t, pool, nil)

	require.NoError(t, conn.Close())

	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not exit")
	}
	assert.False(t, link.Connected())
	require.Error(t, link.Err())
	assert.True(t, errors.IsType(link.Err(), errors.ErrorTypeConnection))

	_, err := link.Submit(SubmitParams{ID: "1", JobID: "j", Nonce: "a", Result: "b"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestLink_LocalCloseIsClean(t *testing.T) {
	pool := newTestPool(t)
	link, _ := dialTest(t, pool, nil)

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())

	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not exit")
	}
	assert.NoError(t, link.Err())
	assert.False(t, link.Connected())
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr, Options{DialTimeout: time.Second}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.True(t, errors.IsRetryable(err))
}
