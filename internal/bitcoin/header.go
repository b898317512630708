package bitcoin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// HeaderSize is the serialized block header length.
	HeaderSize = wire.MaxBlockHeaderPayload
	// PrefixSize is the header without its trailing nonce.
	PrefixSize = HeaderSize - 4
)

// headerBufPool reuses serialization buffers; a header is built once per batch.
var headerBufPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, HeaderSize))
	},
}

// Coinbase concatenates coinb1 ∥ extranonce1 ∥ extranonce2 ∥ coinb2.
func Coinbase(job *Job, extranonce1, extranonce2 []byte) []byte {
	cb := make([]byte, 0, len(job.Coinb1)+len(extranonce1)+len(extranonce2)+len(job.Coinb2))
	cb = append(cb, job.Coinb1...)
	cb = append(cb, extranonce1...)
	cb = append(cb, extranonce2...)
	cb = append(cb, job.Coinb2...)
	return cb
}

// MerkleRoot folds the merkle branch onto the coinbase hash.
// Branch elements are used in the order given and are not reversed:
// root = DoubleSHA256(root ∥ h). An empty branch yields DoubleSHA256(coinbase).
//
// Parameters:
//   - coinbase: The fully assembled coinbase transaction
//   - branch: Merkle branch hashes as sent by the pool
//
// Returns:
//   - [32]byte: The merkle root in hash-output byte order
func MerkleRoot(coinbase []byte, branch [][32]byte) [32]byte {
	var root [32]byte
	copy(root[:], chainhash.DoubleHashB(coinbase))

	var pair [64]byte
	for _, h := range branch {
		copy(pair[:32], root[:])
		copy(pair[32:], h[:])
		copy(root[:], chainhash.DoubleHashB(pair[:]))
	}
	return root
}

// BuildHeader assembles the 80-byte block header for one nonce.
//
// version, prevhash, ntime and nbits arrive as big-endian hex and are
// byte-reversed into the header; the merkle root is reversed as well; the
// nonce is written as a little-endian uint32.
//
// Parameters:
//   - job: The active job
//   - extranonce1: Pool-assigned extranonce1
//   - extranonce2: Client-chosen extranonce2 of the session's size
//   - nonce: The nonce to place in the last four bytes
//
// Returns:
//   - [80]byte: The serialized header
//   - error: Non-nil only if serialization does not produce exactly 80 bytes
func BuildHeader(job *Job, extranonce1, extranonce2 []byte, nonce uint32) ([HeaderSize]byte, error) {
	var out [HeaderSize]byte

	root := MerkleRoot(Coinbase(job, extranonce1, extranonce2), job.MerkleBranch)

	var prev, merkle chainhash.Hash
	copy(prev[:], reverse(job.PrevHash[:]))
	copy(merkle[:], reverse(root[:]))

	header := wire.BlockHeader{
		Version:    int32(binary.BigEndian.Uint32(job.Version[:])),
		PrevBlock:  prev,
		MerkleRoot: merkle,
		Timestamp:  time.Unix(int64(binary.BigEndian.Uint32(job.NTime[:])), 0),
		Bits:       binary.BigEndian.Uint32(job.NBits[:]),
		Nonce:      nonce,
	}

	buf := headerBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer headerBufPool.Put(buf)

	if err := header.Serialize(buf); err != nil {
		return out, fmt.Errorf("failed to serialize header: %w", err)
	}
	if buf.Len() != HeaderSize {
		return out, fmt.Errorf("header construction produced %d bytes, want %d", buf.Len(), HeaderSize)
	}

	copy(out[:], buf.Bytes())
	return out, nil
}

// HeaderPrefix returns the first 76 header bytes, everything but the nonce.
// It is what the hash engine receives for a batch.
func HeaderPrefix(job *Job, extranonce1, extranonce2 []byte) ([PrefixSize]byte, error) {
	var prefix [PrefixSize]byte
	header, err := BuildHeader(job, extranonce1, extranonce2, 0)
	if err != nil {
		return prefix, err
	}
	copy(prefix[:], header[:PrefixSize])
	return prefix, nil
}

// WithNonce completes a prefix into a full header.
func WithNonce(prefix [PrefixSize]byte, nonce uint32) [HeaderSize]byte {
	var header [HeaderSize]byte
	copy(header[:], prefix[:])
	binary.LittleEndian.PutUint32(header[PrefixSize:], nonce)
	return header
}

// SamePrevHash reports whether a block hash announced by a node matches the
// job's prevhash. Pools disagree on prevhash byte order, so the raw order,
// the fully reversed order and the per-32-bit-word swapped order are all
// accepted.
func SamePrevHash(jobPrev, blockHash [32]byte) bool {
	if jobPrev == blockHash {
		return true
	}

	var rev [32]byte
	copy(rev[:], reverse(blockHash[:]))
	if jobPrev == rev {
		return true
	}

	var swapped [32]byte
	for i := 0; i < 32; i += 4 {
		binary.BigEndian.PutUint32(swapped[i:], binary.LittleEndian.Uint32(rev[i:]))
	}
	return jobPrev == swapped
}
