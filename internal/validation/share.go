// Package validation checks hash engine candidates before they are submitted:
// the digest must meet the share target, a candidate is never sent twice for
// the same job, and optionally a second backend must reproduce the digest.
package validation

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/hashing"
	"github.com/bardlex/gominer/pkg/errors"
)

// defaultMaxJobs bounds how many jobs keep a duplicate set.
const defaultMaxJobs = 16

type candidateKey struct {
	extranonce2 string
	nonce       uint32
}

// CandidateValidator validates candidates. It is safe for concurrent use.
type CandidateValidator struct {
	verifier hashing.Backend
	maxJobs  int

	mu    sync.Mutex
	seen  map[string]map[candidateKey]struct{}
	order []string // job ids, oldest first
}

// NewCandidateValidator creates a validator. When verifier is non-nil every
// candidate is re-hashed with it before it may be submitted.
func NewCandidateValidator(verifier hashing.Backend) *CandidateValidator {
	return &CandidateValidator{
		verifier: verifier,
		maxJobs:  defaultMaxJobs,
		seen:     make(map[string]map[candidateKey]struct{}),
	}
}

// Verifier returns the cross-check backend, or nil.
func (v *CandidateValidator) Verifier() hashing.Backend { return v.verifier }

// Validate checks a candidate and records it so the same share is never
// validated twice. Failures are rejection errors with a "reason" context
// (invalid-job, invalid-extranonce2, above-target, duplicate) or a compute
// error when the verifier disagrees with the engine.
func (v *CandidateValidator) Validate(c Candidate) (Verdict, error) {
	if c.JobID == "" {
		return Verdict{}, reject("invalid-job", "candidate has no job id")
	}
	if _, err := hex.DecodeString(c.Extranonce2); err != nil || c.Extranonce2 == "" {
		return Verdict{}, reject("invalid-extranonce2", "extranonce2 is not valid hex").
			WithContext("extranonce2", c.Extranonce2)
	}

	if !bitcoin.WordsMeetTarget(c.Digest, c.Target.Words()) {
		return Verdict{}, reject("above-target", "digest does not meet share target").
			WithContext("job_id", c.JobID).
			WithContext("nonce", c.Nonce)
	}

	var verdict Verdict
	if v.verifier != nil {
		header := bitcoin.WithNonce(c.Prefix, c.Nonce)
		sum, err := v.verifier.Sum(&header)
		if err != nil {
			return Verdict{}, errors.Compute("verify_share", err).WithContext("backend", v.verifier.Name())
		}
		if bitcoin.DigestWords(sum) != c.Digest {
			return Verdict{}, errors.Compute("verify_share",
				fmt.Errorf("digest mismatch for job %s nonce %08x", c.JobID, c.Nonce)).
				WithContext("backend", v.verifier.Name())
		}
		verdict.Verified = true
	}

	if !v.remember(c) {
		return Verdict{}, reject("duplicate", "candidate already submitted for this job").
			WithContext("job_id", c.JobID).
			WithContext("nonce", c.Nonce)
	}

	if c.NBits != ([4]byte{}) {
		verdict.BlockCandidate = bitcoin.WordsMeetTarget(c.Digest, bitcoin.CompactTarget(c.NBits).Words())
	}
	return verdict, nil
}

// remember records the candidate, reporting false if it was already present.
func (v *CandidateValidator) remember(c Candidate) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	set, ok := v.seen[c.JobID]
	if !ok {
		if len(v.order) >= v.maxJobs {
			oldest := v.order[0]
			v.order = v.order[1:]
			delete(v.seen, oldest)
		}
		set = make(map[candidateKey]struct{})
		v.seen[c.JobID] = set
		v.order = append(v.order, c.JobID)
	}

	key := candidateKey{extranonce2: c.Extranonce2, nonce: c.Nonce}
	if _, dup := set[key]; dup {
		return false
	}
	set[key] = struct{}{}
	return true
}

// Reset forgets every recorded candidate. Called when the pool invalidates all jobs.
func (v *CandidateValidator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen = make(map[string]map[candidateKey]struct{})
	v.order = v.order[:0]
}

func reject(reason, message string) *errors.ServiceError {
	e := errors.New(errors.ErrorTypeRejection, "validate_share", message).WithContext("reason", reason)
	e.Retryable = false
	return e
}

// Reason returns the rejection reason of a validation error, or "".
func Reason(err error) string {
	if r, ok := errors.GetContext(err)["reason"].(string); ok {
		return r
	}
	return ""
}
