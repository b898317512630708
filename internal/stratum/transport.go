package stratum

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Liveness holds the connection facts shared between the receiver goroutine
// and the driving loop. One mutex guards all of them.
type Liveness struct {
	mu             sync.Mutex
	connected      bool
	lastMessage    time.Time
	lastJob        time.Time
	reconnectDelay time.Duration
}

// LivenessSnapshot is a consistent copy of Liveness.
type LivenessSnapshot struct {
	Connected      bool
	LastMessage    time.Time
	LastJob        time.Time
	ReconnectDelay time.Duration
}

// MarkConnected records a fresh connection. Both timers restart at now so a
// new session gets full keepalive and resubscribe windows.
func (l *Liveness) MarkConnected(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	l.lastMessage = now
	l.lastJob = now
}

// MarkDisconnected records that the socket is unusable.
func (l *Liveness) MarkDisconnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
}

// Touch records a received line; job marks it as a mining.notify.
func (l *Liveness) Touch(now time.Time, job bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastMessage = now
	if job {
		l.lastJob = now
	}
}

// SetReconnectDelay records the delay before the next reconnect attempt.
func (l *Liveness) SetReconnectDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnectDelay = d
}

// Snapshot returns a consistent copy of all fields.
func (l *Liveness) Snapshot() LivenessSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LivenessSnapshot{
		Connected:      l.connected,
		LastMessage:    l.lastMessage,
		LastJob:        l.lastJob,
		ReconnectDelay: l.reconnectDelay,
	}
}

// TransportConfig holds socket settings.
type TransportConfig struct {
	Addr             string
	DialTimeout      time.Duration
	ReadPollInterval time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int
	QueueSize        int
}

// Transport is a line-delimited JSON connection to a pool. A receiver
// goroutine reads lines with a short deadline and enqueues parsed messages;
// callers pull them with TryReceive. Writes happen on the caller's goroutine.
type Transport struct {
	cfg    TransportConfig
	logger *log.Logger
	live   *Liveness

	inbox  chan *Message
	nextID atomic.Uint64

	mu     sync.Mutex
	conn   net.Conn
	addr   string
	stop   context.CancelFunc
	recvWG sync.WaitGroup

	writeMu sync.Mutex
}

// NewTransport creates a disconnected transport.
func NewTransport(cfg TransportConfig, logger *log.Logger) *Transport {
	if cfg.ReadPollInterval <= 0 {
		cfg.ReadPollInterval = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.WithComponent("transport"),
		live:   &Liveness{},
		inbox:  make(chan *Message, cfg.QueueSize),
		addr:   cfg.Addr,
	}
}

// Liveness returns the shared liveness record.
func (t *Transport) Liveness() *Liveness { return t.live }

// Addr returns the address the next Connect dials.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// SetAddr changes the address used by the next Connect.
func (t *Transport) SetAddr(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addr = addr
}

// Connect dials the pool, replacing any existing connection. Messages still
// queued from the previous connection are discarded.
func (t *Transport) Connect(ctx context.Context) error {
	t.shutdown()
	t.drain()

	addr := t.Addr()
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Network("connect", err).WithContext("addr", addr)
	}

	rctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.stop = cancel
	t.mu.Unlock()

	t.live.MarkConnected(time.Now())
	t.logger.LogConnection("connected", addr)

	t.recvWG.Add(1)
	go t.receive(rctx, conn)
	return nil
}

// Connected reports whether the socket is believed usable.
func (t *Transport) Connected() bool {
	return t.live.Snapshot().Connected
}

// Send writes a request and returns its id. A write failure marks the
// transport disconnected and returns a network error; it is not retried.
func (t *Transport) Send(method string, params []any) (uint64, error) {
	id := t.nextID.Add(1)
	if err := t.write(NewRequest(id, method, params)); err != nil {
		return 0, err
	}
	return id, nil
}

// Respond answers a pool-initiated request.
func (t *Transport) Respond(id any, result any) error {
	return t.write(NewResponse(id, result))
}

// RespondError rejects a pool-initiated request.
func (t *Transport) RespondError(id any, code int, message string) error {
	return t.write(NewErrorResponse(id, code, message))
}

// TryReceive returns the next queued message, waiting at most timeout.
func (t *Transport) TryReceive(timeout time.Duration) (*Message, bool) {
	if timeout <= 0 {
		select {
		case msg := <-t.inbox:
			return msg, true
		default:
			return nil, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-t.inbox:
		return msg, true
	case <-timer.C:
		return nil, false
	}
}

// Close stops the receiver and closes the socket.
func (t *Transport) Close() error {
	t.shutdown()
	return nil
}

func (t *Transport) write(msg *Message) error {
	buf, err := encodeLine(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "encode", "failed to encode message")
	}
	defer PutBuffer(buf)

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	op := msg.Method
	if op == "" {
		op = "respond"
	}

	if conn == nil || !t.Connected() {
		return errors.Network(op, nil)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		t.live.MarkDisconnected()
		return errors.Network(op, err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		t.live.MarkDisconnected()
		t.logger.WithError(err).Warn("write failed, marking disconnected")
		return errors.Network(op, err)
	}

	t.logger.LogStratumMessage("sent", string(bytes.TrimRight(buf.Bytes(), "\n")))
	return nil
}

// shutdown stops the current receiver and closes its socket.
func (t *Transport) shutdown() {
	t.mu.Lock()
	conn, stop := t.conn, t.stop
	t.conn, t.stop = nil, nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			t.logger.WithError(err).Debug("close failed")
		}
	}
	t.recvWG.Wait()
	t.live.MarkDisconnected()
}

func (t *Transport) drain() {
	for {
		select {
		case <-t.inbox:
		default:
			return
		}
	}
}

// receive reads lines until the connection fails or ctx is cancelled.
func (t *Transport) receive(ctx context.Context, conn net.Conn) {
	defer t.recvWG.Done()

	reader := bufio.NewReaderSize(conn, 4096)
	var (
		pending    []byte
		discarding bool
	)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(t.cfg.ReadPollInterval)); err != nil {
			t.disconnected(ctx, err)
			return
		}

		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 && !discarding {
			pending = append(pending, chunk...)
			if len(pending) > t.cfg.MaxMessageSize {
				t.logger.Warn("dropping oversized line", "limit", t.cfg.MaxMessageSize)
				pending = pending[:0]
				discarding = true
			}
		}

		switch {
		case err == nil:
			if discarding {
				discarding = false
				continue
			}
			t.handleLine(ctx, bytes.TrimSpace(pending))
			pending = pending[:0]
		case stderrors.Is(err, bufio.ErrBufferFull):
			continue
		case isTimeout(err):
			continue
		default:
			t.disconnected(ctx, err)
			return
		}
	}
}

func (t *Transport) handleLine(ctx context.Context, line []byte) {
	if len(line) == 0 {
		return
	}

	msg, err := ParseMessage(line)
	now := time.Now()
	if err != nil {
		t.live.Touch(now, false)
		t.logger.WithError(errors.Protocol("receive", "%v", err)).Warn("dropping unparseable line")
		return
	}

	t.live.Touch(now, msg.Method == MethodNotify)
	t.logger.LogStratumMessage("received", string(line))

	select {
	case t.inbox <- msg:
	case <-ctx.Done():
	}
}

func (t *Transport) disconnected(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	t.live.MarkDisconnected()
	t.logger.WithError(errors.Network("receive", err)).Warn("connection lost")
	t.logger.LogConnection("disconnected", t.Addr())
}

func isTimeout(err error) bool {
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

// JoinHostPort renders a pool address.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
