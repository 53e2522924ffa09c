package utils

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// CanonicalDNSName returns a DNS name in the canonical owner-name form used
// by DNSSEC (RFC 4034 section 6.2):
// - Trimmed of surrounding whitespace
// - Lowercased, including non-ASCII letters
// - Internationalized labels converted to their A-label (punycode) form
// - Fully qualified, with exactly one trailing dot
//
// Wildcard labels are left untouched.
func CanonicalDNSName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." {
		return ".", nil
	}

	// Punycode only transcodes: it neither case-maps U-labels nor applies
	// the lookup profile's STD3 checks that would reject "*" and "_" labels.
	// Lowering first makes "Ä" and "ä" share one A-label.
	ascii, err := idna.Punycode.ToASCII(strings.ToLower(strings.TrimSuffix(name, ".")))
	if err != nil {
		return "", fmt.Errorf("invalid domain name %q: %w", name, err)
	}
	if _, ok := dns.IsDomainName(ascii); !ok {
		return "", fmt.Errorf("invalid domain name %q", name)
	}
	return dns.CanonicalName(ascii), nil
}

// WireName packs a canonical owner name into uncompressed wire format.
func WireName(name string) ([]byte, error) {
	canonical, err := CanonicalDNSName(name)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 255)
	off, err := dns.PackDomainName(canonical, buf, 0, nil, false)
	if err != nil {
		return nil, fmt.Errorf("pack domain name %q: %w", canonical, err)
	}
	return buf[:off], nil
}
