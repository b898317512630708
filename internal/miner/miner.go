// Package miner drives the mining pipeline: pool messages update the
// session, the session hands out nonce batches, the hash engine scans them
// and candidates are validated and submitted back to the pool.
package miner

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/hashing"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// PoolConn is the transport the miner drives.
type PoolConn interface {
	stratum.Conn
	Connect(ctx context.Context) error
	Close() error
	Addr() string
	SetAddr(addr string)
	Liveness() *stratum.Liveness
}

// Emitter receives miner events. *messaging.Dispatcher implements it.
type Emitter interface {
	Emit(ev messaging.Event) bool
}

type discardEmitter struct{}

func (discardEmitter) Emit(messaging.Event) bool { return true }

// Config holds the miner's own settings. Connection and hashing settings
// live with the components passed to New.
type Config struct {
	Pool      string
	User      string
	Pass      string
	BatchSize uint32
	// IdlePoll is how long the loop waits for a message when there is no work.
	IdlePoll time.Duration
	// StatsInterval is the hashrate reporting period.
	StatsInterval time.Duration
	// MaxReconnectWait caps the wait a pool may request in client.reconnect.
	MaxReconnectWait time.Duration
	// MaxStalePause bounds how long hashing stays paused after the local node
	// reports a block the current job does not build on.
	MaxStalePause time.Duration
}

// Deps are the pipeline components.
type Deps struct {
	Conn       PoolConn
	Session    *stratum.Session
	Submitter  *stratum.Submitter
	Supervisor *stratum.Supervisor
	Engine     *hashing.Engine
	Validator  *validation.CandidateValidator
	Events     Emitter
}

// Miner owns the session and is the only goroutine that touches it.
type Miner struct {
	cfg        Config
	conn       PoolConn
	session    *stratum.Session
	submitter  *stratum.Submitter
	supervisor *stratum.Supervisor
	engine     *hashing.Engine
	validator  *validation.CandidateValidator
	events     Emitter
	logger     *log.Logger

	stats  *Stats
	blocks chan [32]byte

	// set while a node-announced block makes the current job stale
	staleBlock  *[32]byte
	staleSince  time.Time
	connAttempt int

	startedAt time.Time
	running   atomic.Bool
}

// New creates a miner.
func New(cfg Config, deps Deps, logger *log.Logger) *Miner {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 4096
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 250 * time.Millisecond
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = 60 * time.Second
	}
	if cfg.MaxStalePause <= 0 {
		cfg.MaxStalePause = 30 * time.Second
	}
	if deps.Events == nil {
		deps.Events = discardEmitter{}
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewCandidateValidator(nil)
	}

	m := &Miner{
		cfg:        cfg,
		conn:       deps.Conn,
		session:    deps.Session,
		submitter:  deps.Submitter,
		supervisor: deps.Supervisor,
		engine:     deps.Engine,
		validator:  deps.Validator,
		events:     deps.Events,
		logger:     logger.WithComponent("miner").WithWorker(cfg.User),
		stats:      newStats(),
		blocks:     make(chan [32]byte, 8),
	}
	// changes applied during a handshake or submit wait take the same path
	m.session.Observe(m.onChange)
	return m
}

// Stats returns the share counters.
func (m *Miner) Stats() *Stats { return m.stats }

// NotifyBlock reports a block hash announced by the local node. It never
// blocks; announcements are dropped if the miner is behind.
func (m *Miner) NotifyBlock(hash [32]byte) {
	select {
	case m.blocks <- hash:
	default:
	}
}

// Run mines until ctx is cancelled. It returns nil on cancellation and an
// error only when the pool refuses the worker's credentials.
func (m *Miner) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New(errors.ErrorTypeInternal, "run", "miner already running")
	}
	defer m.running.Store(false)
	defer func() {
		if err := m.conn.Close(); err != nil {
			m.logger.WithError(err).Debug("close failed")
		}
	}()

	m.startedAt = time.Now()
	verifier := "off"
	if v := m.validator.Verifier(); v != nil {
		verifier = v.Name()
	}
	m.logger.Info("miner starting",
		"pool", m.cfg.Pool,
		"addr", m.conn.Addr(),
		"backend", m.engine.Backend().Name(),
		"verifier", verifier,
		"batch_size", m.cfg.BatchSize)

	if err := m.reconnect(ctx); err != nil {
		return m.exit(ctx, err)
	}

	reporter := newReporter(m.engine, m.cfg.StatsInterval, time.Now())

	for ctx.Err() == nil {
		m.drain()
		m.watchBlocks(time.Now())

		if err := m.supervise(ctx); err != nil {
			return m.exit(ctx, err)
		}

		if sample, ok := reporter.Sample(time.Now()); ok {
			m.report(sample)
		}

		if m.paused(time.Now()) {
			m.wait(m.cfg.IdlePoll)
			continue
		}

		batch, ok := m.session.NextBatch(m.cfg.BatchSize)
		if !ok {
			m.wait(m.cfg.IdlePoll)
			continue
		}

		m.mine(ctx, batch)
	}

	return m.exit(ctx, ctx.Err())
}

func (m *Miner) exit(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		m.logger.Info("miner stopped",
			"uptime", durafmt.Parse(time.Since(m.startedAt).Round(time.Second)).String(),
			"accepted", m.stats.Accepted(),
			"rejected", m.stats.Rejected())
		return nil
	}
	return err
}

// connect dials and runs the handshake once.
func (m *Miner) connect(ctx context.Context) error {
	m.connAttempt++
	if m.connAttempt > 1 {
		m.emitConnection(messaging.ConnReconnecting, "")
	}
	if err := m.conn.Connect(ctx); err != nil {
		return err
	}
	if err := m.session.Handshake(ctx, m.conn, m.cfg.User, m.cfg.Pass); err != nil {
		_ = m.conn.Close()
		return err
	}
	return nil
}

// reconnect connects on the supervisor's backoff schedule.
func (m *Miner) reconnect(ctx context.Context) error {
	m.connAttempt = 0
	err := m.supervisor.Reconnect(ctx, m.connect)
	if err != nil {
		if stratum.IsAuthorizationRefused(err) {
			m.logger.WithError(err).Error("pool refused worker credentials")
		}
		return err
	}

	m.validator.Reset()
	m.staleBlock = nil
	m.emitConnection(messaging.ConnConnected, "")
	return nil
}

// supervise runs the liveness check and any pending pool reconnect request.
func (m *Miner) supervise(ctx context.Context) error {
	if req, ok := m.session.TakeReconnect(); ok {
		return m.redirect(ctx, req)
	}

	switch action := m.supervisor.Check(time.Now()); action {
	case stratum.ActionKeepalive:
		m.logger.Debug("connection quiet, sending keepalive")
		if _, err := m.conn.Send(stratum.MethodPing, []any{}); err != nil {
			m.logger.WithError(err).Warn("keepalive failed")
		}

	case stratum.ActionResubscribe:
		m.logger.Warn("no job received, resubscribing")
		_ = m.conn.Close()
		m.emitConnection(messaging.ConnDisconnected, "no job")
		return m.reconnect(ctx)

	case stratum.ActionReconnect:
		m.emitConnection(messaging.ConnDisconnected, "connection lost")
		return m.reconnect(ctx)
	}
	return nil
}

// redirect follows a client.reconnect request.
func (m *Miner) redirect(ctx context.Context, req stratum.ReconnectParams) error {
	if req.Host != "" {
		port := req.Port
		if port == 0 {
			if _, p, err := net.SplitHostPort(m.conn.Addr()); err == nil {
				port, _ = strconv.Atoi(p)
			}
		}
		m.conn.SetAddr(stratum.JoinHostPort(req.Host, port))
	}

	wait := min(time.Duration(req.Wait)*time.Second, m.cfg.MaxReconnectWait)
	m.logger.Info("following pool reconnect request", "addr", m.conn.Addr(), "wait", wait.String())

	_ = m.conn.Close()
	m.emitConnection(messaging.ConnDisconnected, "pool requested reconnect")
	if !retry.Sleep(ctx, wait) {
		return ctx.Err()
	}
	return m.reconnect(ctx)
}

// drain applies every queued pool message.
func (m *Miner) drain() {
	for {
		msg, ok := m.conn.TryReceive(0)
		if !ok {
			return
		}
		m.dispatch(msg)
	}
}

// wait blocks for at most d for one pool message.
func (m *Miner) wait(d time.Duration) {
	if msg, ok := m.conn.TryReceive(d); ok {
		m.dispatch(msg)
	}
}

func (m *Miner) dispatch(msg *stratum.Message) {
	change, err := m.session.Dispatch(m.conn, msg)
	if err != nil {
		return
	}
	m.onChange(change)
}

// onChange reacts to a session change wherever the message was read.
func (m *Miner) onChange(change stratum.Change) {
	switch change.Kind {
	case stratum.ChangeJob:
		job := m.session.Job()
		if change.Clean {
			m.validator.Reset()
		}
		if m.staleBlock != nil && bitcoin.SamePrevHash(job.PrevHash, *m.staleBlock) {
			m.logger.Info("job builds on the new block, resuming", "job_id", job.ID)
			m.staleBlock = nil
		}
		m.events.Emit(messaging.JobEvent{
			Pool:       m.cfg.Pool,
			JobID:      job.ID,
			PrevHash:   fmt.Sprintf("%x", job.PrevHash),
			CleanJobs:  job.CleanJobs,
			Difficulty: m.session.Difficulty(),
			Target:     m.session.Target().Hex(),
			ReceivedAt: job.ReceivedAt,
		})

	case stratum.ChangeExtranonce:
		m.validator.Reset()
	}
}

// watchBlocks pauses hashing when the node announces a block the current
// job does not build on.
func (m *Miner) watchBlocks(now time.Time) {
	for {
		select {
		case hash := <-m.blocks:
			job := m.session.Job()
			if job == nil || bitcoin.SamePrevHash(job.PrevHash, hash) {
				continue
			}
			h := hash
			m.staleBlock = &h
			m.staleSince = now
			m.logger.Info("node announced a new block, pausing until the pool sends new work",
				"job_id", job.ID, "block", fmt.Sprintf("%x", hash))
		default:
			return
		}
	}
}

func (m *Miner) paused(now time.Time) bool {
	if m.staleBlock == nil {
		return false
	}
	if now.Sub(m.staleSince) >= m.cfg.MaxStalePause {
		m.logger.Warn("pool sent no work for the new block, resuming",
			"paused", durafmt.Parse(now.Sub(m.staleSince).Round(time.Second)).String())
		m.staleBlock = nil
		return false
	}
	return true
}

// mine scans one batch and submits its hit, if any.
func (m *Miner) mine(ctx context.Context, batch stratum.Batch) {
	res, err := m.engine.Scan(ctx, batch.Prefix, batch.NonceBase, batch.Size, batch.Target)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithError(err).Error("batch aborted", "job_id", batch.JobID, "nonce_base", batch.NonceBase)
		}
		return
	}
	if !res.Found {
		return
	}

	// Messages that arrived during the scan decide whether the hit is still current
	m.drain()
	m.session.Resume(batch, res.Nonce)

	share := batch.Share(m.cfg.User, res.Nonce)
	if !m.session.IsCurrent(batch) {
		m.logger.Debug("discarding result for superseded job", "job_id", batch.JobID, "nonce", share.NonceHex())
		m.record(share, messaging.ShareStale, "job superseded", 0)
		m.stats.add(messaging.ShareStale)
		return
	}

	verdict, err := m.validator.Validate(validation.Candidate{
		JobID:       batch.JobID,
		Extranonce2: batch.Extranonce2,
		Nonce:       res.Nonce,
		Prefix:      batch.Prefix,
		Digest:      res.Digest,
		Target:      batch.Target,
		NBits:       batch.Job.NBits,
	})
	if err != nil {
		if validation.Reason(err) == "duplicate" {
			m.logger.Debug("skipping duplicate candidate", "job_id", batch.JobID, "nonce", share.NonceHex())
			return
		}
		m.logger.WithError(err).Error("candidate failed local validation", "job_id", batch.JobID, "nonce", share.NonceHex())
		m.record(share, messaging.ShareInvalid, err.Error(), 0)
		m.stats.add(messaging.ShareInvalid)
		return
	}
	if verdict.BlockCandidate {
		m.logger.Info("share meets the network target", "job_id", batch.JobID, "nonce", share.NonceHex())
	}

	m.submit(ctx, share)
}

func (m *Miner) submit(ctx context.Context, share stratum.Share) {
	start := time.Now()
	accepted, err := m.submitter.Submit(ctx, share)
	latency := time.Since(start)

	status, reason := messaging.ShareAccepted, ""
	switch {
	case accepted:
	case errors.IsType(err, errors.ErrorTypeRejection):
		status, reason = messaging.ShareRejected, validation.Reason(err)
	case errors.IsType(err, errors.ErrorTypeStale):
		status, reason = messaging.ShareStale, "job superseded"
	default:
		if ctx.Err() != nil {
			return
		}
		status = messaging.ShareFailed
		if err != nil {
			reason = err.Error()
		}
	}

	m.stats.add(status)
	m.logger.LogShareSubmission(share.Worker, share.JobID, share.Nonce, share.Difficulty, status)
	if err != nil && status != messaging.ShareRejected {
		m.logger.WithError(err).Warn("share not accepted", "job_id", share.JobID, "status", status)
	}
	m.record(share, status, reason, latency)
}

func (m *Miner) record(share stratum.Share, status, reason string, latency time.Duration) {
	m.events.Emit(messaging.ShareEvent{
		Pool:        m.cfg.Pool,
		Worker:      share.Worker,
		JobID:       share.JobID,
		Extranonce2: share.Extranonce2,
		NTime:       share.NTime,
		Nonce:       share.NonceHex(),
		Difficulty:  share.Difficulty,
		Status:      status,
		Reason:      reason,
		LatencyMs:   float64(latency.Microseconds()) / 1000,
		SubmittedAt: time.Now(),
	})
}

func (m *Miner) report(s Sample) {
	m.logger.LogThroughput("scrypt", int64(s.Hashes), s.Window)
	m.events.Emit(messaging.HashrateEvent{
		Pool:          m.cfg.Pool,
		Worker:        m.cfg.User,
		Backend:       m.engine.Backend().Name(),
		Hashrate:      s.Hashrate,
		Hashes:        s.Hashes,
		WindowSeconds: s.Window.Seconds(),
		Accepted:      m.stats.Accepted(),
		Rejected:      m.stats.Rejected(),
		SampledAt:     s.At,
	})
}

func (m *Miner) emitConnection(state, reason string) {
	snap := m.conn.Liveness().Snapshot()
	m.events.Emit(messaging.ConnectionEvent{
		Pool:    m.cfg.Pool,
		Addr:    m.conn.Addr(),
		State:   state,
		Attempt: m.connAttempt,
		DelayMs: snap.ReconnectDelay.Milliseconds(),
		Reason:  reason,
		At:      time.Now(),
	})
}
