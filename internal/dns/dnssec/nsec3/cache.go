package nsec3

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-dnsq/internal/dns/common/utils"
)

// ErrTooManyIterations is returned when a record asks for more iterations
// than the hasher was configured to accept.
var ErrTooManyIterations = errors.New("nsec3 iteration count exceeds limit")

// CachingHasher memoises owner-name hashes. Validating one denial-of-existence
// response typically hashes the same closest-encloser candidates several
// times, each costing iterations+1 digest rounds.
type CachingHasher struct {
	lru           *lru.Cache[string, []byte]
	maxIterations uint16
}

// CacheOptions configures a CachingHasher.
type CacheOptions struct {
	// Size is the number of digests kept.
	Size int
	// MaxIterations rejects parameters above this count. Zero means no limit.
	MaxIterations uint16
}

// NewCachingHasher returns a hasher backed by an LRU of opts.Size entries.
func NewCachingHasher(opts CacheOptions) (*CachingHasher, error) {
	cache, err := lru.New[string, []byte](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("nsec3 cache: %w", err)
	}
	return &CachingHasher{lru: cache, maxIterations: opts.MaxIterations}, nil
}

// Hash behaves like the package-level HashName, consulting the cache first.
// The returned slice is a copy and may be modified by the caller.
func (c *CachingHasher) Hash(alg Algorithm, salt []byte, name string, iterations uint16) ([]byte, error) {
	if c.maxIterations > 0 && iterations > c.maxIterations {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyIterations, iterations, c.maxIterations)
	}

	canonical, err := utils.CanonicalDNSName(name)
	if err != nil {
		return nil, err
	}

	key := cacheKey(alg, salt, canonical, iterations)
	if digest, ok := c.lru.Get(key); ok {
		return append([]byte(nil), digest...), nil
	}

	digest, err := HashName(alg, salt, canonical, iterations)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, digest)
	return append([]byte(nil), digest...), nil
}

// Len returns the number of cached digests.
func (c *CachingHasher) Len() int {
	return c.lru.Len()
}

// Purge drops every cached digest.
func (c *CachingHasher) Purge() {
	c.lru.Purge()
}

func cacheKey(alg Algorithm, salt []byte, canonical string, iterations uint16) string {
	return strconv.Itoa(int(alg)) + "|" + hex.EncodeToString(salt) + "|" +
		strconv.Itoa(int(iterations)) + "|" + canonical
}
