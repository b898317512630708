package stratum

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// maxSubmitAttempts is the first try plus the single permitted retry.
const maxSubmitAttempts = 2

// Share is one candidate ready for mining.submit.
type Share struct {
	Worker      string
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       uint32
	Epoch       uint64
	Difficulty  float64
}

// NonceHex renders the nonce as its four little-endian header bytes.
func (s Share) NonceHex() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], s.Nonce)
	return hex.EncodeToString(b[:])
}

// Params returns the mining.submit parameter list.
func (s Share) Params() []any {
	return []any{s.Worker, s.JobID, s.Extranonce2, s.NTime, s.NonceHex()}
}

// SubmitterConfig holds submission settings.
type SubmitterConfig struct {
	Timeout          time.Duration
	Rate             float64
	TransientReasons []string
}

// Submitter sends shares and interprets the pool's verdict.
type Submitter struct {
	conn      Conn
	session   *Session
	cfg       SubmitterConfig
	limiter   *rate.Limiter
	transient map[string]bool
	logger    *log.Logger
}

// NewSubmitter creates a submitter. Messages that arrive while a response is
// pending are dispatched to session.
func NewSubmitter(conn Conn, session *Session, cfg SubmitterConfig, logger *log.Logger) *Submitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := max(1, int(cfg.Rate))

	transient := make(map[string]bool, len(cfg.TransientReasons))
	for _, r := range cfg.TransientReasons {
		transient[strings.ToLower(strings.TrimSpace(r))] = true
	}

	return &Submitter{
		conn:      conn,
		session:   session,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		transient: transient,
		logger:    logger.WithComponent("submitter"),
	}
}

// IsTransient reports whether a rejection reason earns a retry.
func (s *Submitter) IsTransient(reason string) bool {
	return s.transient[reason]
}

// Submit sends share and reports whether the pool accepted it. A share is
// retried once when the first attempt gets no response or a transient
// rejection. Rejections are returned as rejection errors; write failures as
// network errors for the reconnect path. A share whose work went stale
// before the retry is dropped with a stale error.
func (s *Submitter) Submit(ctx context.Context, share Share) (bool, error) {
	logger := s.logger.WithWorker(share.Worker).WithFields("job_id", share.JobID, "nonce", share.NonceHex())

	var lastErr error
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		if attempt > 1 && share.Epoch != s.session.Epoch() {
			return false, errors.Stale(MethodSubmit, share.JobID)
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return false, err
		}

		id, err := s.conn.Send(MethodSubmit, share.Params())
		if err != nil {
			return false, err
		}

		resp, err := awaitResponse(ctx, s.conn, MethodSubmit, id, s.cfg.Timeout, s.session.deliver(s.conn))
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeTimeout) && attempt < maxSubmitAttempts {
				logger.Warn("no response to submit, retrying", "attempt", attempt)
				lastErr = err
				continue
			}
			return false, err
		}

		accepted, reason := ParseBoolResult(resp)
		if accepted {
			return true, nil
		}

		transient := s.IsTransient(reason)
		lastErr = errors.Rejection(reason, transient).
			WithContext("job_id", share.JobID).
			WithContext("attempt", attempt)
		if transient && attempt < maxSubmitAttempts {
			logger.Info("transient rejection, retrying", "reason", reason)
			continue
		}
		return false, lastErr
	}
	return false, lastErr
}
