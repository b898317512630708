package hashing

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/pkg/errors"
)

// topByteZero passes digests whose most significant byte is zero.
func topByteZero() bitcoin.Target {
	t := bitcoin.MaxTarget
	t[31] = 0
	return t
}

func pinnedPrefix(t *testing.T) [bitcoin.PrefixSize]byte {
	t.Helper()
	h := decodeHeader(t, pinnedHeader)
	var p [bitcoin.PrefixSize]byte
	copy(p[:], h[:bitcoin.PrefixSize])
	return p
}

type failingBackend struct {
	failAt uint32
}

func (f failingBackend) Name() string { return "failing" }

func (f failingBackend) Sum(header *[80]byte) ([32]byte, error) {
	nonce := uint32(header[76]) | uint32(header[77])<<8 | uint32(header[78])<<16 | uint32(header[79])<<24
	if nonce == f.failAt {
		return [32]byte{}, fmt.Errorf("device lost")
	}
	var miss [32]byte
	for i := range miss {
		miss[i] = 0xff
	}
	return miss, nil
}

func TestEngine_Scan(t *testing.T) {
	prefix := pinnedPrefix(t)

	// nonces 14, 125, 183 and 306 are the first hits under topByteZero
	tests := []struct {
		name      string
		lanes     int
		base      uint32
		batch     uint32
		wantFound bool
		wantNonce uint32
	}{
		{"lowest lane wins", 4, 0, 200, true, 14},
		{"single lane", 1, 0, 200, true, 14},
		{"starts after first hit", 3, 15, 200, true, 125},
		{"batch ends before hit", 4, 0, 14, false, 0},
		{"hit on last lane", 2, 0, 15, true, 14},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(XCrypto{}, tt.lanes)
			res, err := engine.Scan(context.Background(), prefix, tt.base, tt.batch, topByteZero())
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if res.Found != tt.wantFound {
				t.Fatalf("Scan() Found = %v, want %v", res.Found, tt.wantFound)
			}
			if tt.wantFound && res.Nonce != tt.wantNonce {
				t.Errorf("Scan() Nonce = %d, want %d", res.Nonce, tt.wantNonce)
			}
			if res.Hashes == 0 || res.Hashes > uint64(tt.batch) {
				t.Errorf("Scan() Hashes = %d, want 1..%d", res.Hashes, tt.batch)
			}
		})
	}
}

func TestEngine_ScanDigest(t *testing.T) {
	engine := NewEngine(NewReference(), 2)
	res, err := engine.Scan(context.Background(), pinnedPrefix(t), 0, 64, topByteZero())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	raw, _ := hex.DecodeString("523f25738a64561e7d4179bdff036b1f7d3573d1b734bdaa3bb6c8e81b05a100")
	var digest [32]byte
	copy(digest[:], raw)

	if res.Digest != bitcoin.DigestWords(digest) {
		t.Errorf("Scan() Digest = %08x, want %08x", res.Digest, bitcoin.DigestWords(digest))
	}
	if res.Digest[7] != 0x00a1051b {
		t.Errorf("Digest[7] = %08x, want 00a1051b", res.Digest[7])
	}
}

func TestEngine_ScanWrapsNonce(t *testing.T) {
	engine := NewEngine(XCrypto{}, 2)
	res, err := engine.Scan(context.Background(), pinnedPrefix(t), 0xffffffff, 2, bitcoin.MaxTarget)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !res.Found || res.Nonce != 0xffffffff {
		t.Errorf("Scan() = %+v, want nonce 0xffffffff", res)
	}
}

func TestEngine_ScanBackendFailure(t *testing.T) {
	engine := NewEngine(failingBackend{failAt: 5}, 2)
	_, err := engine.Scan(context.Background(), pinnedPrefix(t), 0, 64, topByteZero())
	if err == nil {
		t.Fatal("Scan() expected compute error")
	}
	if !errors.IsType(err, errors.ErrorTypeCompute) {
		t.Errorf("Scan() error type = %v, want compute", err)
	}
	if errors.IsRetryable(err) {
		t.Error("compute errors are not retryable")
	}

	// the engine stays usable after a failed batch
	res, err := engine.Scan(context.Background(), pinnedPrefix(t), 100, 8, topByteZero())
	if err != nil || res.Found {
		t.Errorf("Scan() after failure = %+v, %v", res, err)
	}
}

func TestEngine_ScanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(XCrypto{}, 1)
	if _, err := engine.Scan(ctx, pinnedPrefix(t), 0, 8, bitcoin.MaxTarget); err != context.Canceled {
		t.Errorf("Scan() error = %v, want context.Canceled", err)
	}
	if engine.TotalHashes() != 0 {
		t.Errorf("TotalHashes() = %d, want 0", engine.TotalHashes())
	}
}

func TestEngine_TotalHashes(t *testing.T) {
	engine := NewEngine(XCrypto{}, 4)
	target := bitcoin.Target{} // nothing but an all-zero digest passes

	for range 3 {
		if _, err := engine.Scan(context.Background(), pinnedPrefix(t), 0, 10, target); err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
	}
	if engine.TotalHashes() != 30 {
		t.Errorf("TotalHashes() = %d, want 30", engine.TotalHashes())
	}
}
