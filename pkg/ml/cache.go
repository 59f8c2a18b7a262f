package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// verdictCache memoizes classifier verdicts by content digest. Gateways see
// the same prompts repeatedly (retries, templated requests), and a cache hit
// saves a full inference.
type verdictCache struct {
	store *gocache.Cache
}

func newVerdictCache(ttl time.Duration) *verdictCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &verdictCache{
		store: gocache.New(ttl, 2*ttl),
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *verdictCache) get(text string) (Verdict, bool) {
	if c == nil {
		return Verdict{}, false
	}
	v, ok := c.store.Get(cacheKey(text))
	if !ok {
		return Verdict{}, false
	}
	verdict, ok := v.(Verdict)
	return verdict, ok
}

func (c *verdictCache) put(text string, v Verdict) {
	if c == nil {
		return
	}
	c.store.Set(cacheKey(text), v, gocache.DefaultExpiration)
}

// itemCount reports cached verdicts for the health endpoint.
func (c *verdictCache) itemCount() int {
	if c == nil {
		return 0
	}
	return c.store.ItemCount()
}
