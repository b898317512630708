package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/log"
)

// Sink stores or forwards events.
type Sink interface {
	Name() string
	Record(ctx context.Context, ev Event) error
	Close() error
}

type guardedSink struct {
	sink    Sink
	breaker *circuit.Breaker
}

// Dispatcher fans events out to sinks on its own goroutine so a slow or
// failing sink never stalls mining. Each sink sits behind its own breaker.
// Events are dropped, not queued without bound, when the buffer is full.
type Dispatcher struct {
	sinks   []guardedSink
	events  chan Event
	logger  *log.Logger
	timeout time.Duration

	dropped   atomic.Uint64
	delivered atomic.Uint64
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher with a buffer of queueSize events.
func NewDispatcher(logger *log.Logger, queueSize int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	logger = logger.WithComponent("dispatcher")

	d := &Dispatcher{
		events:  make(chan Event, queueSize),
		logger:  logger,
		timeout: 5 * time.Second,
	}
	for _, s := range sinks {
		d.sinks = append(d.sinks, guardedSink{
			sink: s,
			breaker: circuit.New(&circuit.Config{
				Name:            s.Name(),
				MaxFailures:     5,
				SuccessRequired: 2,
				Timeout:         30 * time.Second,
				ResetTimeout:    60 * time.Second,
				OnStateChange: func(name string, from, to circuit.State) {
					logger.Warn("sink circuit changed", "sink", name, "from", from.String(), "to", to.String())
				},
			}),
		})
	}
	return d
}

// Sinks returns the names of the configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.sink.Name()
	}
	return names
}

// Emit queues ev without blocking. It reports false if the event was dropped.
func (d *Dispatcher) Emit(ev Event) bool {
	if len(d.sinks) == 0 {
		return true
	}
	select {
	case d.events <- ev:
		return true
	default:
		if d.dropped.Add(1)%100 == 1 {
			d.logger.Warn("event buffer full, dropping events", "dropped", d.dropped.Load())
		}
		return false
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Delivered returns how many event deliveries succeeded across all sinks.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Run delivers events until ctx is done, then flushes what is already
// queued under a short deadline.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.flush()
			return
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, gs := range d.sinks {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := gs.breaker.Execute(cctx, func() error {
			return gs.sink.Record(cctx, ev)
		})
		cancel()

		switch {
		case err == nil:
			d.delivered.Add(1)
		case circuit.IsOpen(err):
			d.logger.Debug("sink circuit open, skipping", "sink", gs.sink.Name(), "kind", string(ev.Kind()))
		default:
			d.logger.WithError(err).Warn("sink write failed", "sink", gs.sink.Name(), "kind", string(ev.Kind()))
		}
	}
}

// Close closes every sink once.
func (d *Dispatcher) Close() error {
	var lastErr error
	d.closeOnce.Do(func() {
		for _, gs := range d.sinks {
			if err := gs.sink.Close(); err != nil {
				d.logger.WithError(err).Error("failed to close sink", "sink", gs.sink.Name())
				lastErr = err
			}
		}
	})
	return lastErr
}
