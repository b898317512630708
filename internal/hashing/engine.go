package hashing

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/pkg/errors"
)

// chunkSize is the number of consecutive nonces one worker evaluates per task.
const chunkSize = 64

// Result is the outcome of one Scan.
type Result struct {
	Found  bool
	Nonce  uint32
	Digest [8]uint32
	// Hashes is the number of digests actually evaluated.
	Hashes uint64
}

// Engine dispatches nonce batches to a Backend across a bounded set of lanes.
type Engine struct {
	backend Backend
	lanes   int
	hashes  atomic.Uint64
}

// NewEngine creates an engine running at most lanes concurrent evaluations.
func NewEngine(backend Backend, lanes int) *Engine {
	if lanes < 1 {
		lanes = 1
	}
	return &Engine{backend: backend, lanes: lanes}
}

// Backend returns the engine's backend.
func (e *Engine) Backend() Backend { return e.backend }

// TotalHashes returns the number of digests computed since creation.
func (e *Engine) TotalHashes() uint64 { return e.hashes.Load() }

// Scan evaluates nonces nonceBase .. nonceBase+batchSize-1 (wrapping in
// uint32) and reports the lowest lane whose digest meets target.
//
// A batch runs to completion once started; ctx is only consulted before
// dispatch. A backend failure aborts this batch and is returned as a
// compute error.
func (e *Engine) Scan(ctx context.Context, prefix [bitcoin.PrefixSize]byte, nonceBase, batchSize uint32, target bitcoin.Target) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if batchSize == 0 {
		return Result{}, nil
	}

	targetWords := target.Words()

	var (
		best      atomic.Uint64 // lowest hit lane, MaxUint64 when none
		failed    atomic.Bool
		evaluated atomic.Uint64

		mu       sync.Mutex
		bestHit  Result
		firstErr error
	)
	best.Store(math.MaxUint64)

	swg := sizedwaitgroup.New(e.lanes)
	for start := uint64(0); start < uint64(batchSize); start += chunkSize {
		end := min(start+chunkSize, uint64(batchSize))

		swg.Add()
		go func(start, end uint64) {
			defer swg.Done()

			for lane := start; lane < end; lane++ {
				if failed.Load() || best.Load() < lane {
					return
				}

				nonce := nonceBase + uint32(lane)
				header := bitcoin.WithNonce(prefix, nonce)
				digest, err := e.backend.Sum(&header)
				evaluated.Add(1)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					failed.Store(true)
					return
				}

				words := bitcoin.DigestWords(digest)
				if !bitcoin.WordsMeetTarget(words, targetWords) {
					continue
				}

				mu.Lock()
				if lane < best.Load() {
					best.Store(lane)
					bestHit = Result{Found: true, Nonce: nonce, Digest: words}
				}
				mu.Unlock()
				return
			}
		}(start, end)
	}
	swg.Wait()

	n := evaluated.Load()
	e.hashes.Add(n)

	if firstErr != nil {
		return Result{Hashes: n}, errors.Compute("scan", firstErr).
			WithContext("backend", e.backend.Name()).
			WithContext("nonce_base", nonceBase)
	}

	bestHit.Hashes = n
	return bestHit, nil
}
