// Package nsec3 computes NSEC3 owner-name hashes (RFC 5155 section 5).
//
// The hash of an owner name is defined as
//
//	IH(salt, x, 0) = H(x || salt)
//	IH(salt, x, k) = H(IH(salt, x, k-1) || salt), if k > 0
//
// where x is the canonical wire form of the owner name: fully expanded,
// fully qualified, lower-cased, and with wildcard labels left literal.
package nsec3

import (
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"hash"
	"strings"

	"github.com/haukened/rr-dnsq/internal/dns/common/utils"
)

// Algorithm is an NSEC3 hash algorithm code from the IANA
// "DNSSEC NSEC3 Hash Algorithms" registry.
type Algorithm uint8

const (
	// SHA1 is the only algorithm defined for NSEC3.
	SHA1 Algorithm = 1
)

// FlagOptOut is bit 7 of the NSEC3 flags field.
const FlagOptOut uint8 = 0x01

// SHA1Size is the digest length produced by SHA1.
const SHA1Size = sha1.Size

// DecodeError reports a protocol value that could not be interpreted.
type DecodeError struct {
	Kind  string
	Value uint8
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %d", e.Kind, e.Value)
}

// Is lets errors.Is match any DecodeError of the same kind.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

// ErrUnknownAlgorithm matches, via errors.Is, any unsupported algorithm code.
var ErrUnknownAlgorithm = &DecodeError{Kind: "unknown algorithm type value"}

// ParseAlgorithm maps a wire algorithm code to an Algorithm.
func ParseAlgorithm(code uint8) (Algorithm, error) {
	switch Algorithm(code) {
	case SHA1:
		return SHA1, nil
	default:
		return 0, &DecodeError{Kind: ErrUnknownAlgorithm.Kind, Value: code}
	}
}

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "SHA-1"
	default:
		return fmt.Sprintf("Algorithm(%d)", uint8(a))
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	default:
		return nil, &DecodeError{Kind: ErrUnknownAlgorithm.Kind, Value: uint8(a)}
	}
}

// Hash computes IH(salt, name, iterations). name must already be the
// canonical wire encoding of the owner name.
func Hash(alg Algorithm, salt, name []byte, iterations uint16) ([]byte, error) {
	h, err := alg.newHash()
	if err != nil {
		return nil, err
	}

	h.Write(name)
	h.Write(salt)
	digest := h.Sum(nil)

	// iterations is zone controlled and can reach 65535; loop, never recurse.
	for k := uint16(0); k < iterations; k++ {
		h.Reset()
		h.Write(digest)
		h.Write(salt)
		digest = h.Sum(digest[:0])
	}
	return digest, nil
}

// HashName canonicalises a presentation-format name and hashes it.
func HashName(alg Algorithm, salt []byte, name string, iterations uint16) ([]byte, error) {
	wire, err := utils.WireName(name)
	if err != nil {
		return nil, err
	}
	return Hash(alg, salt, wire, iterations)
}

// Label encodes a digest the way it appears as the first label of an NSEC3
// owner name: lower-case base32hex without padding.
func Label(digest []byte) string {
	return strings.ToLower(base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(digest))
}
