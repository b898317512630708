package miner

import (
	"bufio"
	"context"
	"encoding/hex"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/hashing"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const testPrevHash = "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"

func notify(jobID, prevHash string, clean bool) *stratum.Message {
	return stratum.NewNotification(stratum.MethodNotify, []any{
		jobID, prevHash, "01000000", "00", []any{}, "20000000", "1d00ffff", "5f5e1000", clean,
	})
}

// poolSide writes to one accepted connection.
type poolSide struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *poolSide) send(msg *stratum.Message) {
	data, err := stratum.MarshalMessage(msg)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.conn.Write(append(data, '\n'))
}

// scriptedPool answers subscribe, authorize, submit and ping on every
// connection and runs onAuthorized after a successful authorize.
type scriptedPool struct {
	ln           net.Listener
	refuse       bool
	onAuthorized func(p *poolSide)

	mu            sync.Mutex
	methods       []string
	submits       [][]any
	beforeVerdict func(p *poolSide, submit int)
}

func newScriptedPool(t *testing.T, onAuthorized func(p *poolSide)) *scriptedPool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	sp := &scriptedPool{ln: ln, onAuthorized: onAuthorized}
	go sp.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return sp
}

func (sp *scriptedPool) addr() string { return sp.ln.Addr().String() }

func (sp *scriptedPool) port() int {
	_, p, _ := net.SplitHostPort(sp.addr())
	n, _ := strconv.Atoi(p)
	return n
}

func (sp *scriptedPool) serve() {
	for {
		c, err := sp.ln.Accept()
		if err != nil {
			return
		}
		go sp.handle(c)
	}
}

func (sp *scriptedPool) handle(c net.Conn) {
	defer func() { _ = c.Close() }()
	side := &poolSide{conn: c}
	r := bufio.NewReader(c)

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		msg, err := stratum.ParseMessage(line)
		if err != nil {
			continue
		}

		sp.mu.Lock()
		sp.methods = append(sp.methods, msg.Method)
		var hook func(*poolSide, int)
		if msg.Method == stratum.MethodSubmit {
			sp.submits = append(sp.submits, msg.Params)
			hook = sp.beforeVerdict
		}
		n := len(sp.submits)
		sp.mu.Unlock()

		if hook != nil {
			hook(side, n)
		}

		switch msg.Method {
		case stratum.MethodSubscribe:
			side.send(stratum.NewResponse(msg.ID, []any{[]any{}, "abcd", 2}))
		case stratum.MethodAuthorize:
			side.send(stratum.NewResponse(msg.ID, !sp.refuse))
			if !sp.refuse && sp.onAuthorized != nil {
				go sp.onAuthorized(side)
			}
		default:
			side.send(stratum.NewResponse(msg.ID, true))
		}
	}
}

// onSubmit runs fn before each submit verdict is written.
func (sp *scriptedPool) onSubmit(fn func(p *poolSide, submit int)) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.beforeVerdict = fn
}

func (sp *scriptedPool) count(method string) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	n := 0
	for _, m := range sp.methods {
		if m == method {
			n++
		}
	}
	return n
}

func (sp *scriptedPool) submitted() [][]any {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return append([][]any(nil), sp.submits...)
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (r *recorder) Emit(ev messaging.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) shares() []messaging.ShareEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []messaging.ShareEvent
	for _, ev := range r.events {
		if s, ok := ev.(messaging.ShareEvent); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) has(pred func(messaging.Event) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if pred(ev) {
			return true
		}
	}
	return false
}

// constBackend returns the same digest for every header.
type constBackend struct {
	digest [32]byte
	calls  atomic.Uint64
}

func (*constBackend) Name() string { return "const" }

func (b *constBackend) Sum(*[80]byte) ([32]byte, error) {
	b.calls.Add(1)
	return b.digest, nil
}

// hitBackend meets every target; missBackend meets none.
func hitBackend() *constBackend { return &constBackend{} }

func missBackend() *constBackend {
	b := &constBackend{}
	for i := range b.digest {
		b.digest[i] = 0xff
	}
	return b
}

// gatedBackend blocks its first evaluation until released.
type gatedBackend struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{started: make(chan struct{}), release: make(chan struct{})}
}

func (*gatedBackend) Name() string { return "gated" }

func (b *gatedBackend) Sum(*[80]byte) ([32]byte, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return [32]byte{}, nil
}

type testOptions struct {
	keepalive time.Duration
	events    Emitter
}

func newTestMiner(t *testing.T, addr string, backend hashing.Backend, opts testOptions) *Miner {
	t.Helper()
	logger := log.Discard()
	if opts.keepalive == 0 {
		opts.keepalive = time.Minute
	}

	tr := stratum.NewTransport(stratum.TransportConfig{
		Addr:             addr,
		DialTimeout:      time.Second,
		ReadPollInterval: 20 * time.Millisecond,
	}, logger)
	sess := stratum.NewSession(stratum.SessionConfig{UserAgent: "gominer/test", HandshakeTimeout: 2 * time.Second}, logger)

	return New(Config{
		Pool:      "test",
		User:      "wallet.rig",
		Pass:      "x",
		BatchSize: 4,
		IdlePoll:  20 * time.Millisecond,
	}, Deps{
		Conn:      tr,
		Session:   sess,
		Submitter: stratum.NewSubmitter(tr, sess, stratum.SubmitterConfig{Timeout: time.Second}, logger),
		Supervisor: stratum.NewSupervisor(stratum.SupervisorConfig{
			KeepaliveInterval:   opts.keepalive,
			ResubscribeInterval: time.Minute,
			Backoff:             &retry.Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2},
		}, tr.Liveness(), logger),
		Engine: hashing.NewEngine(backend, 1),
		Events: opts.events,
	}, logger)
}

// run starts m and returns a stop function that cancels and waits for Run.
func run(t *testing.T, m *Miner) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Error("Run did not return after cancel")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMiner_SubmitsAcceptedShare(t *testing.T) {
	pool := newScriptedPool(t, func(p *poolSide) {
		p.send(stratum.NewNotification(stratum.MethodSetDifficulty, []any{4}))
		p.send(notify("job1", testPrevHash, true))
	})
	events := &recorder{}
	m := newTestMiner(t, pool.addr(), hitBackend(), testOptions{events: events})
	stop := run(t, m)

	eventually(t, "accepted share", func() bool { return m.Stats().Accepted() > 0 })
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v, want nil on cancel", err)
	}

	submits := pool.submitted()
	if len(submits) == 0 {
		t.Fatal("pool received no submit")
	}
	first := submits[0]
	want := []any{"wallet.rig", "job1", "0000", "5f5e1000", "00000000"}
	if len(first) != len(want) {
		t.Fatalf("submit params = %v, want %v", first, want)
	}
	for i := range want {
		if first[i] != want[i] {
			t.Errorf("submit param %d = %v, want %v", i, first[i], want[i])
		}
	}

	// Each hit resumes the window after the found nonce
	if len(submits) > 1 && submits[1][4] != "01000000" {
		t.Errorf("second nonce = %v, want 01000000", submits[1][4])
	}

	shares := events.shares()
	if len(shares) == 0 || shares[0].Status != messaging.ShareAccepted || shares[0].Difficulty != 4 {
		t.Errorf("first share event = %+v", shares)
	}
	if !events.has(func(ev messaging.Event) bool {
		c, ok := ev.(messaging.ConnectionEvent)
		return ok && c.State == messaging.ConnConnected
	}) {
		t.Error("no connected event")
	}
	if !events.has(func(ev messaging.Event) bool {
		j, ok := ev.(messaging.JobEvent)
		return ok && j.JobID == "job1" && j.CleanJobs && j.PrevHash == testPrevHash
	}) {
		t.Error("no job event for job1")
	}
}

func TestMiner_JobArrivingDuringSubmit(t *testing.T) {
	pool := newScriptedPool(t, func(p *poolSide) {
		p.send(notify("job1", testPrevHash, true))
	})
	pool.onSubmit(func(p *poolSide, submit int) {
		if submit == 1 {
			p.send(notify("job2", testPrevHash, true))
		}
	})
	events := &recorder{}
	m := newTestMiner(t, pool.addr(), hitBackend(), testOptions{events: events})
	stop := run(t, m)

	isJob := func(id string) func(messaging.Event) bool {
		return func(ev messaging.Event) bool {
			j, ok := ev.(messaging.JobEvent)
			return ok && j.JobID == id
		}
	}
	eventually(t, "submit for job2", func() bool {
		for _, params := range pool.submitted() {
			if params[1] == "job2" {
				return true
			}
		}
		return false
	})
	_ = stop()

	if !events.has(isJob("job2")) {
		t.Error("no job event for job2")
	}

	// job2 reset the counters, so its first share reuses extranonce2 and nonce 0
	var first []any
	for _, params := range pool.submitted() {
		if params[1] == "job2" {
			first = params
			break
		}
	}
	if first[2] != "0000" || first[4] != "00000000" {
		t.Errorf("first job2 submit = %v, want extranonce2 0000 and nonce 00000000", first)
	}
}

func TestMiner_AuthorizationRefused(t *testing.T) {
	pool := newScriptedPool(t, nil)
	pool.refuse = true
	m := newTestMiner(t, pool.addr(), hitBackend(), testOptions{})

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		if !stratum.IsAuthorizationRefused(err) {
			t.Errorf("Run() error = %v, want authorization refusal", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return on refused authorization")
	}
	if n := pool.count(stratum.MethodAuthorize); n != 1 {
		t.Errorf("authorize attempts = %d, want 1", n)
	}
}

func TestMiner_DiscardsResultForSupersededJob(t *testing.T) {
	backend := newGatedBackend()
	pool := newScriptedPool(t, func(p *poolSide) {
		p.send(notify("job1", testPrevHash, true))
		<-backend.started
		p.send(notify("job2", testPrevHash, true))
		time.Sleep(100 * time.Millisecond)
		close(backend.release)
	})
	events := &recorder{}
	m := newTestMiner(t, pool.addr(), backend, testOptions{events: events})
	stop := run(t, m)

	eventually(t, "accepted share for job2", func() bool { return m.Stats().Accepted() > 0 })
	_ = stop()

	shares := events.shares()
	if len(shares) == 0 || shares[0].JobID != "job1" || shares[0].Status != messaging.ShareStale {
		t.Fatalf("first share event = %+v, want stale job1", shares)
	}
	for _, params := range pool.submitted() {
		if params[1] == "job1" {
			t.Errorf("stale job1 share was submitted: %v", params)
		}
	}
	if m.Stats().Stale() != 1 {
		t.Errorf("Stale() = %d, want 1", m.Stats().Stale())
	}
}

func TestMiner_FollowsReconnectRequest(t *testing.T) {
	second := newScriptedPool(t, func(p *poolSide) {
		p.send(notify("job-b", testPrevHash, true))
	})
	first := newScriptedPool(t, func(p *poolSide) {
		p.send(stratum.NewRequest(99, stratum.MethodReconnect, []any{"127.0.0.1", second.port(), 0}))
	})

	m := newTestMiner(t, first.addr(), hitBackend(), testOptions{})
	stop := run(t, m)

	eventually(t, "submit on the second pool", func() bool { return len(second.submitted()) > 0 })
	_ = stop()

	if n := len(first.submitted()); n != 0 {
		t.Errorf("first pool got %d submits, want 0", n)
	}
	if got := second.submitted()[0][1]; got != "job-b" {
		t.Errorf("job = %v, want job-b", got)
	}
}

func TestMiner_SendsKeepaliveWhenQuiet(t *testing.T) {
	pool := newScriptedPool(t, func(p *poolSide) {
		p.send(notify("job1", testPrevHash, true))
	})
	m := newTestMiner(t, pool.addr(), missBackend(), testOptions{keepalive: 100 * time.Millisecond})
	stop := run(t, m)

	eventually(t, "keepalive ping", func() bool { return pool.count(stratum.MethodPing) > 0 })
	_ = stop()

	if n := len(pool.submitted()); n != 0 {
		t.Errorf("submits = %d, want 0 with a backend that never hits", n)
	}
}

func TestMiner_PausesOnNewBlock(t *testing.T) {
	newTip := "aa" + testPrevHash[2:]
	resume := make(chan struct{})
	pool := newScriptedPool(t, func(p *poolSide) {
		p.send(notify("job1", testPrevHash, true))
		<-resume
		p.send(notify("job2", newTip, true))
	})
	backend := missBackend()
	m := newTestMiner(t, pool.addr(), backend, testOptions{})
	stop := run(t, m)
	defer func() { _ = stop() }()

	eventually(t, "hashing", func() bool { return backend.calls.Load() > 0 })

	var block [32]byte
	raw, _ := hex.DecodeString(newTip)
	copy(block[:], raw)
	m.NotifyBlock(block)

	time.Sleep(100 * time.Millisecond)
	paused := backend.calls.Load()
	time.Sleep(200 * time.Millisecond)
	if got := backend.calls.Load(); got != paused {
		t.Fatalf("hashing continued while paused: %d -> %d", paused, got)
	}

	close(resume)
	eventually(t, "hashing to resume", func() bool { return backend.calls.Load() > paused })
}

func TestMiner_RunTwice(t *testing.T) {
	pool := newScriptedPool(t, nil)
	m := newTestMiner(t, pool.addr(), missBackend(), testOptions{})
	stop := run(t, m)

	eventually(t, "authorize", func() bool { return pool.count(stratum.MethodAuthorize) > 0 })
	if err := m.Run(context.Background()); err == nil {
		t.Error("second Run() expected error")
	}
	_ = stop()
}
