// Package bitcoin provides the block-header side of mining: decoding pool
// jobs, folding the coinbase merkle branch, assembling 80-byte headers and
// the share target arithmetic used to judge Scrypt digests.
package bitcoin

import (
	"encoding/hex"
	"fmt"
	"time"
)

// RawJob carries the nine mining.notify fields exactly as the pool sent them.
type RawJob struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// Job is a decoded unit of work. It is immutable once built; a new
// mining.notify replaces it rather than mutating it.
type Job struct {
	ID           string
	PrevHash     [32]byte
	Coinb1       []byte
	Coinb2       []byte
	MerkleBranch [][32]byte
	Version      [4]byte
	NBits        [4]byte
	NTime        [4]byte
	CleanJobs    bool

	// NTimeHex is forwarded verbatim in mining.submit.
	NTimeHex   string
	ReceivedAt time.Time
}

// Decode validates the raw notify fields and converts them to a Job.
//
// Parameters:
//   - receivedAt: Arrival time of the notify, kept for staleness reporting
//
// Returns:
//   - *Job: The decoded job
//   - error: Non-nil if any field is not hex or has the wrong length
func (r RawJob) Decode(receivedAt time.Time) (*Job, error) {
	if r.JobID == "" {
		return nil, fmt.Errorf("empty job_id")
	}

	job := &Job{
		ID:         r.JobID,
		CleanJobs:  r.CleanJobs,
		NTimeHex:   r.NTime,
		ReceivedAt: receivedAt,
	}

	if err := decodeFixed(job.PrevHash[:], r.PrevHash, "prevhash"); err != nil {
		return nil, err
	}
	if err := decodeFixed(job.Version[:], r.Version, "version"); err != nil {
		return nil, err
	}
	if err := decodeFixed(job.NBits[:], r.NBits, "nbits"); err != nil {
		return nil, err
	}
	if err := decodeFixed(job.NTime[:], r.NTime, "ntime"); err != nil {
		return nil, err
	}

	var err error
	if job.Coinb1, err = hex.DecodeString(r.Coinb1); err != nil {
		return nil, fmt.Errorf("coinb1: %w", err)
	}
	if job.Coinb2, err = hex.DecodeString(r.Coinb2); err != nil {
		return nil, fmt.Errorf("coinb2: %w", err)
	}

	job.MerkleBranch = make([][32]byte, len(r.MerkleBranch))
	for i, h := range r.MerkleBranch {
		if err := decodeFixed(job.MerkleBranch[i][:], h, fmt.Sprintf("merkle_branch[%d]", i)); err != nil {
			return nil, err
		}
	}

	return job, nil
}

// decodeFixed decodes s into dst, requiring an exact length match.
func decodeFixed(dst []byte, s, field string) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("%s: expected %d hex characters, got %d", field, 2*len(dst), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// reverse returns a reversed copy of b.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}
