package bitcoin

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Target is a 256-bit share threshold stored little-endian, the layout the
// hash engine compares digests against.
type Target [32]byte

// diff1Int is 0x00000000FFFF0000...00, the difficulty-1 target.
var diff1Int = new(big.Int).Lsh(big.NewInt(0xFFFF), 208)

// Diff1 is the difficulty-1 target.
var Diff1 = targetFromBig(diff1Int)

// MaxTarget is the all-ones target, used when a tiny difficulty overflows 256 bits.
var MaxTarget = Target{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// DeriveTarget converts a pool difficulty to a share target as
// floor(diff1 / difficulty). The division is exact over the rational value of
// the float64, so equal difficulties always give byte-identical targets.
//
// Parameters:
//   - difficulty: The value from mining.set_difficulty
//
// Returns:
//   - Target: The little-endian share target
//   - error: Non-nil if difficulty is not a finite positive number
func DeriveTarget(difficulty float64) (Target, error) {
	if math.IsNaN(difficulty) || math.IsInf(difficulty, 0) || difficulty <= 0 {
		return Target{}, fmt.Errorf("difficulty must be a finite positive number, got %v", difficulty)
	}

	r := new(big.Rat).SetFloat64(difficulty)

	// diff1 / (num/denom) = diff1 * denom / num; Quo truncates, which is floor for positives
	t := new(big.Int).Mul(diff1Int, r.Denom())
	t.Quo(t, r.Num())

	if t.BitLen() > 256 {
		return MaxTarget, nil
	}
	return targetFromBig(t), nil
}

// ParseTargetHex parses a big-endian hex target as sent by mining.set_target.
// Short values are left-padded with zeros.
func ParseTargetHex(s string) (Target, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 {
		return Target{}, fmt.Errorf("target string cannot be empty")
	}
	if len(s) > 64 {
		return Target{}, fmt.Errorf("target string too long: maximum 64 hex characters, got %d", len(s))
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target hex: %w", err)
	}

	var be [32]byte
	copy(be[32-len(raw):], raw)
	return targetFromBE(be), nil
}

// CompactTarget expands a job's nbits (compact encoding, as the big-endian
// bytes of the notify field) into the network target. A negative or zero
// mantissa yields the zero target.
func CompactTarget(nbits [4]byte) Target {
	bits := binary.BigEndian.Uint32(nbits[:])
	exponent := uint(bits >> 24)
	mantissa := int64(bits & 0x007fffff)
	if bits&0x00800000 != 0 || mantissa == 0 {
		return Target{}
	}

	n := big.NewInt(mantissa)
	if exponent <= 3 {
		n.Rsh(n, 8*(3-exponent))
	} else {
		n.Lsh(n, 8*(exponent-3))
	}
	return targetFromBig(n)
}

func targetFromBig(b *big.Int) Target {
	z, overflow := uint256.FromBig(b)
	if overflow {
		return MaxTarget
	}
	return targetFromBE(z.Bytes32())
}

func targetFromBE(be [32]byte) Target {
	var t Target
	for i := range 32 {
		t[i] = be[31-i]
	}
	return t
}

// Int returns the target as a 256-bit integer.
func (t Target) Int() *uint256.Int {
	var be [32]byte
	for i := range 32 {
		be[i] = t[31-i]
	}
	return new(uint256.Int).SetBytes32(be[:])
}

// Cmp compares two targets numerically.
func (t Target) Cmp(o Target) int {
	return t.Int().Cmp(o.Int())
}

// Hex renders the target big-endian, the way pools and explorers print it.
func (t Target) Hex() string {
	be := t.Int().Bytes32()
	return hex.EncodeToString(be[:])
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Hex()
}

// Words splits the target into eight little-endian uint32 words.
func (t Target) Words() [8]uint32 {
	return DigestWords([32]byte(t))
}

// Difficulty returns diff1 / target, the difficulty a target corresponds to.
func (t Target) Difficulty() float64 {
	ti := t.Int()
	if ti.IsZero() {
		return math.Inf(1)
	}
	q := new(big.Rat).SetFrac(diff1Int, ti.ToBig())
	f, _ := q.Float64()
	return f
}

// DigestWords splits a 32-byte digest into eight little-endian uint32 words.
func DigestWords(digest [32]byte) [8]uint32 {
	var w [8]uint32
	for i := range 8 {
		w[i] = binary.LittleEndian.Uint32(digest[4*i:])
	}
	return w
}

// MeetsTarget reports whether digest ≤ target, comparing the eight
// little-endian words from the most significant (word 7) down.
// Equality counts as a pass.
func MeetsTarget(digest [32]byte, target Target) bool {
	return WordsMeetTarget(DigestWords(digest), target.Words())
}

// WordsMeetTarget is MeetsTarget over pre-split words.
func WordsMeetTarget(digest, target [8]uint32) bool {
	for i := 7; i >= 0; i-- {
		if digest[i] < target[i] {
			return true
		}
		if digest[i] > target[i] {
			return false
		}
	}
	return true
}
