package validation

import "github.com/bardlex/gominer/internal/bitcoin"

// Candidate is a nonce the hash engine reported as meeting the share target.
type Candidate struct {
	JobID       string
	Extranonce2 string
	Nonce       uint32
	// Prefix is the 76-byte header the nonce completes.
	Prefix [bitcoin.PrefixSize]byte
	// Digest is the engine's digest as little-endian words.
	Digest [8]uint32
	Target bitcoin.Target
	// NBits is the job's network difficulty bits, zero when unknown.
	NBits [4]byte
}

// Verdict is the outcome of validating a candidate.
type Verdict struct {
	// BlockCandidate reports a digest that also meets the network target.
	BlockCandidate bool
	// Verified reports that a second backend recomputed the digest.
	Verified bool
}
