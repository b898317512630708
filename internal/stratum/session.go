package stratum

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Conn is the slice of Transport the session and submitter depend on.
type Conn interface {
	Send(method string, params []any) (uint64, error)
	Respond(id any, result any) error
	RespondError(id any, code int, message string) error
	TryReceive(timeout time.Duration) (*Message, bool)
	Connected() bool
}

// responsePoll bounds each wait inside awaitResponse so ctx is checked often.
const responsePoll = 250 * time.Millisecond

// ChangeKind identifies what a pool message changed.
type ChangeKind int

// Change kinds
const (
	ChangeNone ChangeKind = iota
	ChangeJob
	ChangeDifficulty
	ChangeTarget
	ChangeExtranonce
	ChangeReconnect
)

// String returns the change name for logs.
func (k ChangeKind) String() string {
	switch k {
	case ChangeJob:
		return "job"
	case ChangeDifficulty:
		return "difficulty"
	case ChangeTarget:
		return "target"
	case ChangeExtranonce:
		return "extranonce"
	case ChangeReconnect:
		return "reconnect"
	default:
		return "none"
	}
}

// Change describes the effect of one applied message.
type Change struct {
	Kind       ChangeKind
	JobID      string
	PrevJobID  string
	Clean      bool
	Difficulty float64
	Target     bitcoin.Target
}

// Batch is one nonce window of work handed to the hash engine.
type Batch struct {
	Job         *bitcoin.Job
	JobID       string
	Extranonce2 string
	Prefix      [bitcoin.PrefixSize]byte
	NonceBase   uint32
	Size        uint32
	Target      bitcoin.Target
	Difficulty  float64
	Epoch       uint64
}

// Share builds the submission for a nonce found in this batch.
func (b Batch) Share(worker string, nonce uint32) Share {
	return Share{
		Worker:      worker,
		JobID:       b.JobID,
		Extranonce2: b.Extranonce2,
		NTime:       b.Job.NTimeHex,
		Nonce:       nonce,
		Epoch:       b.Epoch,
		Difficulty:  b.Difficulty,
	}
}

// SessionConfig holds handshake settings.
type SessionConfig struct {
	UserAgent        string
	HandshakeTimeout time.Duration
}

// Session is the miner's view of one pool subscription: extranonces,
// difficulty, share target and the active job. It is owned by a single
// goroutine and is not safe for concurrent use.
type Session struct {
	cfg    SessionConfig
	logger *log.Logger

	worker         string
	extranonce1    []byte
	extranonce1Hex string
	en2Size        int
	en2Counter     uint64

	difficulty     float64
	target         bitcoin.Target
	targetOverride bool

	job         *bitcoin.Job
	nonceCursor uint64
	prefix      [bitcoin.PrefixSize]byte
	prefixValid bool

	// epoch changes whenever outstanding work becomes unsubmittable
	epoch uint64

	reconnect *ReconnectParams

	observer func(Change)
}

// NewSession creates an empty session.
func NewSession(cfg SessionConfig, logger *log.Logger) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	s := &Session{cfg: cfg, logger: logger.WithComponent("session")}
	s.reset()
	return s
}

func (s *Session) reset() {
	s.extranonce1 = nil
	s.extranonce1Hex = ""
	s.en2Size = 0
	s.en2Counter = 0
	s.difficulty = 1
	s.target = bitcoin.Diff1
	s.targetOverride = false
	s.job = nil
	s.nonceCursor = 0
	s.prefixValid = false
	s.reconnect = nil
	s.epoch++
}

// Observe registers fn to receive every change applied while the session
// itself is reading the connection, during Handshake or a submit wait.
// Changes returned from Dispatch are not passed to fn.
func (s *Session) Observe(fn func(Change)) {
	s.observer = fn
}

// Worker returns the authorized worker name.
func (s *Session) Worker() string { return s.worker }

// Job returns the active job, or nil.
func (s *Session) Job() *bitcoin.Job { return s.job }

// Difficulty returns the last difficulty set by the pool.
func (s *Session) Difficulty() float64 { return s.difficulty }

// Target returns the current share target.
func (s *Session) Target() bitcoin.Target { return s.target }

// Extranonce1 returns the pool-assigned extranonce1 as hex.
func (s *Session) Extranonce1() string { return s.extranonce1Hex }

// Extranonce2Size returns the extranonce2 width in bytes.
func (s *Session) Extranonce2Size() int { return s.en2Size }

// Extranonce2Counter returns the current extranonce2 value.
func (s *Session) Extranonce2Counter() uint64 { return s.en2Counter }

// Epoch returns the current work epoch.
func (s *Session) Epoch() uint64 { return s.epoch }

// SetExtranonce installs extranonce1 and the extranonce2 width, restarting
// the extranonce2 counter.
func (s *Session) SetExtranonce(en1Hex string, size int) error {
	if err := validateExtranonce(en1Hex, size); err != nil {
		return errors.Protocol(MethodSetExtranonce, "%v", err)
	}
	en1, _ := hex.DecodeString(en1Hex)
	s.extranonce1 = en1
	s.extranonce1Hex = en1Hex
	s.en2Size = size
	s.en2Counter = 0
	s.nonceCursor = 0
	s.prefixValid = false
	s.epoch++
	return nil
}

// Extranonce2Hex renders the counter as a fixed-width big-endian hex string.
func (s *Session) Extranonce2Hex() string {
	return hex.EncodeToString(s.extranonce2Bytes())
}

func (s *Session) extranonce2Bytes() []byte {
	b := make([]byte, s.en2Size)
	v := s.en2Counter
	for i := s.en2Size - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// RollExtranonce2 advances the extranonce2 counter and restarts the nonce
// cursor. It reports whether the counter wrapped back to zero.
func (s *Session) RollExtranonce2() bool {
	s.nonceCursor = 0
	s.prefixValid = false

	if s.en2Size == 0 {
		return false
	}
	s.en2Counter++
	if s.en2Size < 8 && s.en2Counter >= uint64(1)<<(8*s.en2Size) {
		s.en2Counter = 0
		return true
	}
	return s.en2Counter == 0
}

// Handshake subscribes and authorizes on a fresh connection. Each step waits
// for the response matching its request id; messages that arrive meanwhile
// are applied in order. Any failure aborts the whole handshake.
func (s *Session) Handshake(ctx context.Context, conn Conn, user, pass string) error {
	s.reset()
	s.worker = user

	id, err := conn.Send(MethodSubscribe, []any{s.cfg.UserAgent})
	if err != nil {
		return err
	}
	resp, err := awaitResponse(ctx, conn, MethodSubscribe, id, s.cfg.HandshakeTimeout, s.deliver(conn))
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.Protocol(MethodSubscribe, "pool refused subscription: %s", resp.Error.Message)
	}
	en1, size, err := ParseSubscribeResult(resp.Result)
	if err != nil {
		return err
	}
	if err := s.SetExtranonce(en1, size); err != nil {
		return err
	}

	id, err = conn.Send(MethodAuthorize, []any{user, pass})
	if err != nil {
		return err
	}
	resp, err = awaitResponse(ctx, conn, MethodAuthorize, id, s.cfg.HandshakeTimeout, s.deliver(conn))
	if err != nil {
		return err
	}
	if ok, reason := ParseBoolResult(resp); !ok {
		return errors.New(errors.ErrorTypeRejection, MethodAuthorize, "authorization refused: "+reason).
			WithContext("worker", user)
	}

	s.logger.Info("handshake complete",
		"worker", user,
		"extranonce1", s.extranonce1Hex,
		"extranonce2_size", s.en2Size)
	return nil
}

// IsAuthorizationRefused reports whether err is the pool rejecting our
// credentials, which no amount of reconnecting will fix.
func IsAuthorizationRefused(err error) bool {
	var se *errors.ServiceError
	return stderrors.As(err, &se) && se.Type == errors.ErrorTypeRejection && se.Operation == MethodAuthorize
}

func (s *Session) deliver(conn Conn) func(*Message) {
	return func(msg *Message) {
		change, err := s.Dispatch(conn, msg)
		if err != nil || change.Kind == ChangeNone || s.observer == nil {
			return
		}
		s.observer(change)
	}
}

// Dispatch handles any message that is not the response being waited on:
// pool requests are answered, notifications are applied and stray responses
// are dropped. Protocol errors are logged here and returned for callers
// that care.
func (s *Session) Dispatch(conn Conn, msg *Message) (Change, error) {
	if msg.IsResponse() {
		s.logger.Debug("dropping unmatched response", "id", msg.ID)
		return Change{}, nil
	}

	switch msg.Method {
	case MethodPing:
		if msg.ID != nil {
			if err := conn.Respond(msg.ID, "pong"); err != nil {
				return Change{}, err
			}
		}
		return Change{}, nil

	case MethodGetVersion:
		if msg.ID != nil {
			if err := conn.Respond(msg.ID, s.cfg.UserAgent); err != nil {
				return Change{}, err
			}
		}
		return Change{}, nil
	}

	change, err := s.Apply(msg)
	if err != nil {
		s.logger.WithError(err).Warn("dropping message", "method", msg.Method)
		if msg.IsRequest() {
			code, text := ErrorInvalidParams, "invalid params"
			if !isPoolMethod(msg.Method) {
				code, text = ErrorMethodNotFound, "method not found"
			}
			if rerr := conn.RespondError(msg.ID, code, text); rerr != nil {
				s.logger.WithError(rerr).Warn("failed to answer pool request", "method", msg.Method)
			}
		}
	}
	return change, err
}

// Apply updates session state from a pool notification.
func (s *Session) Apply(msg *Message) (Change, error) {
	n, err := ParseNotification(msg)
	if err != nil {
		return Change{}, err
	}

	switch p := n.(type) {
	case NotifyParams:
		job, err := p.Decode(time.Now())
		if err != nil {
			return Change{}, errors.Protocol(MethodNotify, "%v", err)
		}
		change := Change{Kind: ChangeJob, JobID: job.ID, Clean: job.CleanJobs}
		if s.job != nil {
			change.PrevJobID = s.job.ID
		}
		s.job = job
		s.nonceCursor = 0
		s.prefixValid = false
		if job.CleanJobs {
			s.en2Counter = 0
			s.epoch++
		}
		s.logger.WithJob(job.ID, job.CleanJobs).Debug("new job")
		return change, nil

	case SetDifficultyParams:
		target, err := bitcoin.DeriveTarget(p.Difficulty)
		if err != nil {
			return Change{}, errors.Protocol(MethodSetDifficulty, "%v", err)
		}
		s.difficulty = p.Difficulty
		s.target = target
		s.targetOverride = false
		s.logger.Info("difficulty changed", "difficulty", p.Difficulty, "target", target.Hex())
		return Change{Kind: ChangeDifficulty, Difficulty: p.Difficulty, Target: target}, nil

	case SetTargetParams:
		target, err := bitcoin.ParseTargetHex(p.Target)
		if err != nil {
			return Change{}, errors.Protocol(MethodSetTarget, "%v", err)
		}
		s.target = target
		s.targetOverride = true
		s.logger.Info("target overridden", "target", target.Hex())
		return Change{Kind: ChangeTarget, Target: target, Difficulty: target.Difficulty()}, nil

	case SetExtranonceParams:
		if err := s.SetExtranonce(p.Extranonce1, p.Extranonce2Size); err != nil {
			return Change{}, err
		}
		s.logger.Info("extranonce changed", "extranonce1", p.Extranonce1, "extranonce2_size", p.Extranonce2Size)
		return Change{Kind: ChangeExtranonce}, nil

	case ReconnectParams:
		s.reconnect = &p
		s.logger.Info("pool requested reconnect", "host", p.Host, "port", p.Port, "wait", p.Wait)
		return Change{Kind: ChangeReconnect}, nil

	case ShowMessageParams:
		s.logger.Info("pool message", "text", p.Text)
		return Change{}, nil
	}

	return Change{}, errors.Protocol(msg.Method, "unhandled notification")
}

// TakeReconnect returns and clears a pending client.reconnect request.
func (s *Session) TakeReconnect() (ReconnectParams, bool) {
	if s.reconnect == nil {
		return ReconnectParams{}, false
	}
	r := *s.reconnect
	s.reconnect = nil
	return r, true
}

// NextBatch reserves the next window of at most size nonces for the active
// job. When the nonce space of the current extranonce2 is spent, extranonce2
// is rolled. It returns false when there is no work yet.
func (s *Session) NextBatch(size uint32) (Batch, bool) {
	if s.job == nil || s.extranonce1 == nil || size == 0 {
		return Batch{}, false
	}

	const nonceSpace = uint64(1) << 32
	if s.nonceCursor >= nonceSpace {
		if s.RollExtranonce2() {
			s.logger.Warn("extranonce2 space exhausted, wrapping to zero",
				"job_id", s.job.ID, "extranonce2_size", s.en2Size)
		}
	}

	if !s.prefixValid {
		prefix, err := bitcoin.HeaderPrefix(s.job, s.extranonce1, s.extranonce2Bytes())
		if err != nil {
			s.logger.WithError(err).Error("failed to build header prefix", "job_id", s.job.ID)
			return Batch{}, false
		}
		s.prefix = prefix
		s.prefixValid = true
	}

	n := min(uint64(size), nonceSpace-s.nonceCursor)
	b := Batch{
		Job:         s.job,
		JobID:       s.job.ID,
		Extranonce2: s.Extranonce2Hex(),
		Prefix:      s.prefix,
		NonceBase:   uint32(s.nonceCursor),
		Size:        uint32(n),
		Target:      s.target,
		Difficulty:  s.shareDifficulty(),
		Epoch:       s.epoch,
	}
	s.nonceCursor += n
	return b, true
}

// Resume moves the cursor back to just after nonce when a hit ended a batch
// early, so the unexamined tail of the window is not skipped.
func (s *Session) Resume(b Batch, nonce uint32) {
	if !s.IsCurrent(b) || s.job == nil || s.job.ID != b.JobID || s.Extranonce2Hex() != b.Extranonce2 {
		return
	}
	if s.nonceCursor != uint64(b.NonceBase)+uint64(b.Size) {
		return
	}
	s.nonceCursor = uint64(nonce) + 1
}

// IsCurrent reports whether work from b may still be submitted.
func (s *Session) IsCurrent(b Batch) bool {
	return b.Epoch == s.epoch
}

// shareDifficulty is the difficulty credited for a share at the current target.
func (s *Session) shareDifficulty() float64 {
	if s.targetOverride {
		return s.target.Difficulty()
	}
	return s.difficulty
}

// awaitResponse waits for the response to request id. Other messages are
// handed to deliver in arrival order.
func awaitResponse(ctx context.Context, conn Conn, op string, id uint64, timeout time.Duration, deliver func(*Message)) (*Message, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.New(errors.ErrorTypeTimeout, op, fmt.Sprintf("no response within %s", timeout)).
				WithContext("id", id)
		}

		msg, ok := conn.TryReceive(min(remaining, responsePoll))
		if !ok {
			if !conn.Connected() {
				return nil, errors.Network(op, nil).WithContext("id", id)
			}
			continue
		}

		if msg.IsResponse() {
			if rid, ok := msg.ResponseID(); ok && rid == id {
				return msg, nil
			}
		}
		if deliver != nil {
			deliver(msg)
		}
	}
}
