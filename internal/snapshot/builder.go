package snapshot

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"go.uber.org/zap"
)

const (
	opBuild   = "snapshot.build"
	opLanding = "snapshot.landing"
)

// Builder computes records and writes each one through to the cache.
type Builder struct {
	cache  *Cache
	logger *zap.Logger
}

// NewBuilder constructs a Builder. A nil logger discards output.
func NewBuilder(cache *Cache, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{cache: cache, logger: logger}
}

// Build aggregates events over the kind window containing anchor and caches
// the result under the range namespace and key. Cache failures are logged;
// the computed record is returned regardless.
func (b *Builder) Build(ctx context.Context, babyID care.BabyID, events []care.CareEvent, kind RangeKind, anchor time.Time) (Record, error) {
	window, err := ResolveRange(kind, anchor)
	if err != nil {
		return Record{}, err
	}
	record := Compute(events, window)
	b.store(ctx, opBuild, window.Namespace, babyID, window.Key, record)
	return record, nil
}

// Landing builds the day containing now and caches it as the home summary.
func (b *Builder) Landing(ctx context.Context, babyID care.BabyID, events []care.CareEvent, now time.Time) Record {
	window, _ := ResolveRange(RangeDay, now)
	record := Compute(events, window)
	b.store(ctx, opLanding, NamespaceLanding, babyID, LandingKey, record)
	return record
}

// Cached returns the last stored record for namespace/key.
func (b *Builder) Cached(ctx context.Context, namespace string, babyID care.BabyID, key string) (CachedSnapshot, bool, error) {
	if b.cache == nil {
		return CachedSnapshot{}, false, nil
	}
	return b.cache.Load(ctx, namespace, babyID, key)
}

func (b *Builder) store(ctx context.Context, operation, namespace string, babyID care.BabyID, key string, record Record) {
	if b.cache == nil {
		return
	}
	if _, err := b.cache.Save(ctx, namespace, babyID, key, record); err != nil {
		b.logger.Warn("snapshot cache write failed",
			zap.String("operation", operation),
			zap.String("baby_id", babyID.String()),
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Error(err))
	}
}
