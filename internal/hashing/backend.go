// Package hashing evaluates Scrypt(N=1024, r=1, p=1) over block headers and
// scans nonce ranges for digests that meet a share target.
package hashing

import (
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// Backend computes the Scrypt digest of one 80-byte header. It is selected
// once at startup and must be safe for concurrent use.
type Backend interface {
	Name() string
	Sum(header *[80]byte) ([32]byte, error)
}

// Backend names accepted by NewBackend.
const (
	BackendReference = "reference"
	BackendXCrypto   = "xcrypto"
)

// NewBackend returns the named backend.
func NewBackend(name string) (Backend, error) {
	switch name {
	case BackendReference:
		return NewReference(), nil
	case BackendXCrypto:
		return XCrypto{}, nil
	default:
		return nil, fmt.Errorf("unknown hash backend %q", name)
	}
}

// Reference is a self-contained Scrypt pipeline built on Salsa20/8 and
// PBKDF2-HMAC-SHA256 with pooled ROMix scratchpads.
type Reference struct {
	rm *romix
}

// NewReference creates the reference backend.
func NewReference() *Reference {
	return &Reference{rm: newROMix(ScryptN)}
}

// Name implements Backend.
func (r *Reference) Name() string { return BackendReference }

// Sum implements Backend.
func (r *Reference) Sum(header *[80]byte) ([32]byte, error) {
	var out [32]byte
	copy(out[:], r.rm.key(header[:], header[:], 32))
	return out, nil
}

// XCrypto delegates to golang.org/x/crypto/scrypt.
type XCrypto struct{}

// Name implements Backend.
func (XCrypto) Name() string { return BackendXCrypto }

// Sum implements Backend.
func (XCrypto) Sum(header *[80]byte) ([32]byte, error) {
	var out [32]byte
	dk, err := scrypt.Key(header[:], header[:], ScryptN, 1, 1, 32)
	if err != nil {
		return out, fmt.Errorf("scrypt: %w", err)
	}
	copy(out[:], dk)
	return out, nil
}
