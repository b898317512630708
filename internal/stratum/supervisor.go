package stratum

import (
	"context"
	"time"

	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Action is what the supervisor wants done about the connection.
type Action int

// Supervisor actions
const (
	ActionNone Action = iota
	ActionKeepalive
	ActionResubscribe
	ActionReconnect
)

// String returns the action name for logs.
func (a Action) String() string {
	switch a {
	case ActionKeepalive:
		return "keepalive"
	case ActionResubscribe:
		return "resubscribe"
	case ActionReconnect:
		return "reconnect"
	default:
		return "none"
	}
}

// SupervisorConfig holds liveness thresholds and the reconnect schedule.
type SupervisorConfig struct {
	KeepaliveInterval   time.Duration
	ResubscribeInterval time.Duration
	Backoff             *retry.Config
}

// Supervisor watches connection liveness and drives reconnects.
type Supervisor struct {
	cfg     SupervisorConfig
	live    *Liveness
	backoff *retry.Backoff
	logger  *log.Logger

	lastKeepalive time.Time

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewSupervisor creates a supervisor over live.
func NewSupervisor(cfg SupervisorConfig, live *Liveness, logger *log.Logger) *Supervisor {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 45 * time.Second
	}
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = 90 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		live:    live,
		backoff: retry.NewBackoff(cfg.Backoff),
		logger:  logger.WithComponent("supervisor"),
		sleep:   retry.Sleep,
	}
}

// Check decides the action for now. A keepalive is requested at most once
// per keepalive interval.
func (s *Supervisor) Check(now time.Time) Action {
	snap := s.live.Snapshot()

	switch {
	case !snap.Connected:
		return ActionReconnect
	case now.Sub(snap.LastJob) >= s.cfg.ResubscribeInterval:
		return ActionResubscribe
	case now.Sub(snap.LastMessage) >= s.cfg.KeepaliveInterval &&
		now.Sub(s.lastKeepalive) >= s.cfg.KeepaliveInterval:
		s.lastKeepalive = now
		return ActionKeepalive
	}
	return ActionNone
}

// Reconnect calls connect until it succeeds, sleeping on the backoff
// schedule between failures. It gives up when ctx is done or the pool
// refuses our credentials.
func (s *Supervisor) Reconnect(ctx context.Context, connect func(context.Context) error) error {
	for {
		err := connect(ctx)
		if err == nil {
			if n := s.backoff.Attempts(); n > 0 {
				s.logger.Info("reconnected", "failed_attempts", n)
			}
			s.backoff.Reset()
			s.live.SetReconnectDelay(0)
			s.lastKeepalive = time.Time{}
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsAuthorizationRefused(err) {
			return err
		}

		delay := s.backoff.Next()
		s.live.SetReconnectDelay(delay)
		s.logger.WithError(err).LogBackoff(s.backoff.Attempts(), delay)

		if !s.sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}
