// Package cache implements the multi-tier cache that short-circuits
// expensive stages: embeddings, validated query plans and synthesized
// response fragments each live in their own tier with their own TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Tier identifies which derived artifact an entry belongs to. A key is
// unique within its tier; the tier tag participates in the fingerprint
// so tiers can never collide on a shared backend.
type Tier string

const (
	TierEmbedding Tier = "embedding"
	TierQuery     Tier = "query"
	TierResponse  Tier = "response"
)

// Backend is the narrow contract a physical cache store must satisfy.
// A miss is (nil, false, nil); backend errors are reported but treated
// as misses by the tiered cache because entries are derived data.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// envelope wraps a stored value with its logical expiry so that reads
// never return an expired entry regardless of when the backend
// physically evicts it. Value is raw bytes, not JSON: stored SQL text
// and response prose go through a base64 round trip unchanged.
type envelope struct {
	ExpiresAt time.Time `json:"expires_at"`
	Value     []byte    `json:"value"`
}

// TTLs holds the per-tier time-to-live budgets.
type TTLs struct {
	Embedding time.Duration `yaml:"embedding"`
	Query     time.Duration `yaml:"query"`
	Response  time.Duration `yaml:"response"`
}

// DefaultTTLs returns the production tier budgets: embeddings are cheap
// to recompute and minutes-scale, query plans follow the schema cache
// horizon, responses are short-lived.
func DefaultTTLs() TTLs {
	return TTLs{
		Embedding: 10 * time.Minute,
		Query:     time.Hour,
		Response:  5 * time.Minute,
	}
}

func (t TTLs) forTier(tier Tier) time.Duration {
	switch tier {
	case TierEmbedding:
		return t.Embedding
	case TierQuery:
		return t.Query
	case TierResponse:
		return t.Response
	default:
		return 5 * time.Minute
	}
}

// Tiered is the cache consumed by stage handlers. Concurrent writers to
// the same key resolve last-write-wins with TTL reset.
type Tiered struct {
	backend Backend
	ttls    TTLs
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a tiered cache over the given backend.
func New(backend Backend, ttls TTLs, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{
		backend: backend,
		ttls:    ttls,
		logger:  logger.With("component", "cache"),
		now:     time.Now,
	}
}

// Get returns the value stored for (tier, key), or false on a miss.
// Logically expired entries are misses even when still stored.
func (c *Tiered) Get(ctx context.Context, tier Tier, key string) ([]byte, bool) {
	raw, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "tier", tier, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("cache entry corrupt, treating as miss", "tier", tier, "error", err)
		return nil, false
	}
	if !c.now().Before(env.ExpiresAt) {
		return nil, false
	}
	return env.Value, true
}

// Set stores value under (tier, key) with the tier's default TTL.
func (c *Tiered) Set(ctx context.Context, tier Tier, key string, value []byte) {
	c.SetWithTTL(ctx, tier, key, value, c.ttls.forTier(tier))
}

// SetWithTTL stores value under (tier, key) with an explicit TTL.
func (c *Tiered) SetWithTTL(ctx context.Context, tier Tier, key string, value []byte, ttl time.Duration) {
	env := envelope{
		ExpiresAt: c.now().Add(ttl),
		Value:     value,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		c.logger.Warn("cache entry not serializable", "tier", tier, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Warn("cache write failed", "tier", tier, "error", err)
	}
}

// Invalidate removes the entry for (tier, key).
func (c *Tiered) Invalidate(ctx context.Context, tier Tier, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.Warn("cache invalidation failed", "tier", tier, "error", err)
	}
}

// Fingerprint derives the stable content key for an input within a
// tier: a hash of the normalized input prefixed by the tier tag.
func Fingerprint(tier Tier, input string) string {
	sum := sha256.Sum256([]byte(string(tier) + "\x00" + Normalize(input)))
	return string(tier) + ":" + hex.EncodeToString(sum[:16])
}

// Normalize lowercases the input and collapses interior whitespace so
// trivially different phrasings share a fingerprint.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
