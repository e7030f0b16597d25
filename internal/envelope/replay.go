package envelope

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// ReplayGuard remembers recently seen nonces in a bounded LRU so a
// captured envelope cannot be replayed inside its freshness window.
// Eviction of the oldest entries is acceptable because expiry checks
// reject anything older than the window anyway.
type ReplayGuard struct {
	seen *lru.Cache[string, int64]
}

const DefaultReplayCapacity = 4096

func NewReplayGuard(capacity int) (*ReplayGuard, error) {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	cache, err := lru.New[string, int64](capacity)
	if err != nil {
		return nil, err
	}
	return &ReplayGuard{seen: cache}, nil
}

// Observe records the envelope's nonce and reports whether it was
// already seen. Empty nonces always count as replays.
func (g *ReplayGuard) Observe(env *SignedEnvelope) (replay bool) {
	if env == nil || env.Nonce == "" {
		return true
	}
	if _, ok := g.seen.Get(env.Nonce); ok {
		return true
	}
	g.seen.Add(env.Nonce, env.Timestamp)
	return false
}

func (g *ReplayGuard) Len() int {
	return g.seen.Len()
}
