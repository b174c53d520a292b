package stratum

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/minerelay/pkg/errors"
	"github.com/bardlex/minerelay/pkg/log"
)

// Handler receives decoded pool messages in socket order
type Handler interface {
	HandlePoolMessage(msg *PoolMessage)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(msg *PoolMessage)

// HandlePoolMessage calls f(msg)
func (f HandlerFunc) HandlePoolMessage(msg *PoolMessage) { f(msg) }

// Options configures a Link
type Options struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLineSize  int

	// Sequence supplies request ids; a private one is used when nil.
	Sequence *Sequence
	Logger   *log.Logger
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.Sequence == nil {
		o.Sequence = &Sequence{}
	}
	if o.Logger == nil {
		o.Logger = log.Discard()
	}
}

// Link is a single TCP connection to the pool and its receive loop.
type Link struct {
	addr    string
	conn    net.Conn
	opts    Options
	handler Handler
	logger  *log.Logger

	writeMu sync.Mutex

	connected     atomic.Bool
	closedLocally atomic.Bool

	errMu sync.Mutex
	err   error

	done     chan struct{}
	doneOnce sync.Once
}

// Dial connects to addr and starts the receive loop. handler is called from
// the receive goroutine for every decoded line.
func Dial(ctx context.Context, addr string, opts Options, handler Handler) (*Link, error) {
	opts.setDefaults()

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "dial", "failed to connect to pool").
			WithContext("pool_addr", addr)
	}

	l := &Link{
		addr:    addr,
		conn:    conn,
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.WithComponent("pool_link").WithFields("pool_addr", addr),
		done:    make(chan struct{}),
	}
	l.connected.Store(true)
	l.logger.LogConnection("connected", conn.RemoteAddr().String())

	go l.receiveLoop()

	return l, nil
}

// Login sends a login request and returns its id. The response arrives
// through the handler.
func (l *Link) Login(params LoginParams) (uint64, error) {
	return l.call(MethodLogin, params)
}

// Submit sends a share and returns the request id.
func (l *Link) Submit(params SubmitParams) (uint64, error) {
	return l.call(MethodSubmit, params)
}

func (l *Link) call(method string, params any) (uint64, error) {
	req := &Request{
		ID:     l.opts.Sequence.Next(),
		Method: method,
		Params: params,
	}
	return req.ID, l.Send(req)
}

// Send writes one request. The whole line is written or the link is marked
// disconnected and an error returned.
func (l *Link) Send(req *Request) error {
	data, err := Encode(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "send", "failed to encode request")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if !l.connected.Load() {
		return errors.New(errors.ErrorTypeConnection, "send", "pool link is not connected").
			WithContext("method", req.Method)
	}

	if err := l.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout)); err != nil {
		l.fail(err)
		return errors.Wrap(err, errors.ErrorTypeConnection, "send", "failed to set write deadline")
	}

	for written := 0; written < len(data); {
		n, err := l.conn.Write(data[written:])
		if err != nil {
			l.fail(err)
			return errors.Wrap(err, errors.ErrorTypeConnection, "send", "failed to write to pool").
				WithContext("method", req.Method)
		}
		written += n
	}

	l.logger.LogPoolMessage("sent", data[:len(data)-1])
	return nil
}

func (l *Link) receiveLoop() {
	bufp := getReadBuffer()
	defer putReadBuffer(bufp)
	buf := *bufp

	framer := NewLineBuffer(l.opts.MaxLineSize)

	for {
		if l.closedLocally.Load() {
			l.shutdown(nil)
			return
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout)); err != nil {
			l.shutdown(err)
			return
		}

		n, err := l.conn.Read(buf)
		if n > 0 {
			lines, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				l.logger.WithError(ferr).Warn("dropped oversized pool line")
			}
			for _, line := range lines {
				l.dispatch(line)
			}
		}

		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.shutdown(err)
			return
		}

		if n == 0 {
			l.shutdown(io.EOF)
			return
		}
	}
}

func (l *Link) dispatch(line []byte) {
	l.logger.LogPoolMessage("received", line)

	msg, err := Decode(line)
	if err != nil {
		l.logger.WithError(err).Warn("discarding malformed pool message", "line", string(line))
		return
	}

	if l.handler != nil {
		l.handler.HandlePoolMessage(msg)
	}
}

// fail records err and tears down the socket so the receive loop exits.
func (l *Link) fail(err error) {
	l.setErr(err)
	l.connected.Store(false)
	_ = l.conn.Close()
}

func (l *Link) setErr(err error) {
	if err == nil || l.closedLocally.Load() {
		return
	}
	l.errMu.Lock()
	if l.err == nil {
		l.err = errors.Wrap(err, errors.ErrorTypeConnection, "receive", "pool connection lost").
			WithContext("pool_addr", l.addr)
	}
	l.errMu.Unlock()
}

// shutdown runs exactly once, when the receive loop exits.
func (l *Link) shutdown(err error) {
	l.doneOnce.Do(func() {
		l.setErr(err)
		l.connected.Store(false)
		_ = l.conn.Close()
		if l.closedLocally.Load() {
			l.logger.LogConnection("closed", l.addr)
		} else {
			l.logger.WithError(l.Err()).Warn("pool connection lost")
		}
		close(l.done)
	})
}

// Close closes the socket. Done fires once the receive loop has exited; Err
// stays nil for a local close. Safe to call multiple times.
func (l *Link) Close() error {
	l.closedLocally.Store(true)
	l.connected.Store(false)
	err := l.conn.Close()
	if err != nil && stderrors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed when the receive loop exits
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns why the link was lost, or nil if it is alive or closed locally
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Connected reports whether the socket is usable
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// Addr returns the pool address
func (l *Link) Addr() string {
	return l.addr
}
