package messaging

import "time"

// Kind identifies an event family.
type Kind string

// Event kinds
const (
	KindShare      Kind = "share"
	KindJob        Kind = "job"
	KindHashrate   Kind = "hashrate"
	KindConnection Kind = "connection"
)

// Share outcomes
const (
	ShareAccepted = "accepted"
	ShareRejected = "rejected"
	ShareStale    = "stale"
	ShareInvalid  = "invalid" // failed local verification, never sent
	ShareFailed   = "failed"  // no verdict: timeout or connection loss
)

// Connection states
const (
	ConnConnected    = "connected"
	ConnDisconnected = "disconnected"
	ConnReconnecting = "reconnecting"
)

// Event is anything the miner reports to its stats sinks.
type Event interface {
	Kind() Kind
	// Key partitions the event stream; events with equal keys stay ordered.
	Key() string
	// Fields flattens the event into JSON-compatible values.
	Fields() map[string]any
}

// ShareEvent records the outcome of one share.
type ShareEvent struct {
	Pool        string    `json:"pool"`
	Worker      string    `json:"worker"`
	JobID       string    `json:"job_id"`
	Extranonce2 string    `json:"extranonce2"`
	NTime       string    `json:"ntime"`
	Nonce       string    `json:"nonce"`
	Difficulty  float64   `json:"difficulty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	LatencyMs   float64   `json:"latency_ms"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// JobEvent records a job taken from the pool.
type JobEvent struct {
	Pool       string    `json:"pool"`
	JobID      string    `json:"job_id"`
	PrevHash   string    `json:"prev_hash"`
	CleanJobs  bool      `json:"clean_jobs"`
	Difficulty float64   `json:"difficulty"`
	Target     string    `json:"target"`
	ReceivedAt time.Time `json:"received_at"`
}

// HashrateEvent is a periodic throughput sample.
type HashrateEvent struct {
	Pool          string    `json:"pool"`
	Worker        string    `json:"worker"`
	Backend       string    `json:"backend"`
	Hashrate      float64   `json:"hashrate"` // H/s over the window
	Hashes        uint64    `json:"hashes"`
	WindowSeconds float64   `json:"window_seconds"`
	Accepted      uint64    `json:"accepted"`
	Rejected      uint64    `json:"rejected"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ConnectionEvent records a pool connection state change.
type ConnectionEvent struct {
	Pool    string    `json:"pool"`
	Addr    string    `json:"addr"`
	State   string    `json:"state"`
	Attempt int       `json:"attempt,omitempty"`
	DelayMs int64     `json:"delay_ms,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Kind implements Event.
func (ShareEvent) Kind() Kind { return KindShare }

// Key implements Event.
func (e ShareEvent) Key() string { return e.Worker }

// Fields implements Event.
func (e ShareEvent) Fields() map[string]any {
	return map[string]any{
		"pool":         e.Pool,
		"worker":       e.Worker,
		"job_id":       e.JobID,
		"extranonce2":  e.Extranonce2,
		"ntime":        e.NTime,
		"nonce":        e.Nonce,
		"difficulty":   e.Difficulty,
		"status":       e.Status,
		"reason":       e.Reason,
		"latency_ms":   e.LatencyMs,
		"submitted_at": e.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Kind implements Event.
func (JobEvent) Kind() Kind { return KindJob }

// Key implements Event.
func (e JobEvent) Key() string { return e.Pool }

// Fields implements Event.
func (e JobEvent) Fields() map[string]any {
	return map[string]any{
		"pool":        e.Pool,
		"job_id":      e.JobID,
		"prev_hash":   e.PrevHash,
		"clean_jobs":  e.CleanJobs,
		"difficulty":  e.Difficulty,
		"target":      e.Target,
		"received_at": e.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Kind implements Event.
func (HashrateEvent) Kind() Kind { return KindHashrate }

// Key implements Event.
func (e HashrateEvent) Key() string { return e.Worker }

// Fields implements Event.
func (e HashrateEvent) Fields() map[string]any {
	return map[string]any{
		"pool":           e.Pool,
		"worker":         e.Worker,
		"backend":        e.Backend,
		"hashrate":       e.Hashrate,
		"hashes":         float64(e.Hashes),
		"window_seconds": e.WindowSeconds,
		"accepted":       float64(e.Accepted),
		"rejected":       float64(e.Rejected),
		"sampled_at":     e.SampledAt.UTC().Format(time.RFC3339Nano),
	}
}

// Kind implements Event.
func (ConnectionEvent) Kind() Kind { return KindConnection }

// Key implements Event.
func (e ConnectionEvent) Key() string { return e.Pool }

// Fields implements Event.
func (e ConnectionEvent) Fields() map[string]any {
	return map[string]any{
		"pool":     e.Pool,
		"addr":     e.Addr,
		"state":    e.State,
		"attempt":  float64(e.Attempt),
		"delay_ms": float64(e.DelayMs),
		"reason":   e.Reason,
		"at":       e.At.UTC().Format(time.RFC3339Nano),
	}
}
