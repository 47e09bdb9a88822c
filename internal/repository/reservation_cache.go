package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/config"
	"github.com/verbfy/lesson-rtc/internal/model"
)

// ReservationStore is the subset of ReservationRepo the cache wraps.
type ReservationStore interface {
	GetByID(ctx context.Context, rawID string) (model.Reservation, error)
	TransitionStatus(ctx context.Context, id uint64, from []model.ReservationStatus, to model.ReservationStatus) error
}

// CachedReservations is a Redis read-through cache in front of a
// ReservationStore.  Only found reservations are cached; misses always
// reach the database so a freshly booked lesson becomes gated at once.
// Redis failures are logged and the store is consulted directly.  Changes
// made outside this service stay invisible for up to cfg.TTL, which
// config.LoadCacheConfig bounds by config.MaxReservationCacheTTL.
type CachedReservations struct {
	store  ReservationStore
	rdb    *redis.Client
	cfg    config.CacheConfig
	logger *zap.Logger
}

// NewCachedReservations wraps store.  A nil client or a disabled config
// turns the cache into a pass-through.
func NewCachedReservations(store ReservationStore, rdb *redis.Client, cfg config.CacheConfig, logger *zap.Logger) *CachedReservations {
	return &CachedReservations{store: store, rdb: rdb, cfg: cfg, logger: logger}
}

func (c *CachedReservations) enabled() bool { return c.cfg.Enabled && c.rdb != nil && c.cfg.TTL > 0 }

func (c *CachedReservations) key(id uint64) string {
	return c.cfg.Prefix + ":reservation:" + strconv.FormatUint(id, 10)
}

// GetByID returns the cached reservation when present, otherwise loads it
// from the store and caches the result.
func (c *CachedReservations) GetByID(ctx context.Context, rawID string) (model.Reservation, error) {
	id, ok := ParseReservationID(rawID)
	if !ok || !c.enabled() {
		return c.store.GetByID(ctx, rawID)
	}
	key := c.key(id)

	bs, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var res model.Reservation
		if jerr := json.Unmarshal(bs, &res); jerr == nil {
			return res, nil
		}
		c.logger.Warn("discarding undecodable cached reservation", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("reservation cache read failed", zap.String("key", key), zap.Error(err))
	}

	res, err := c.store.GetByID(ctx, rawID)
	if err != nil {
		return res, err
	}
	if payload, jerr := json.Marshal(res); jerr == nil {
		if serr := c.rdb.Set(ctx, key, payload, c.cfg.TTL).Err(); serr != nil {
			c.logger.Warn("reservation cache write failed", zap.String("key", key), zap.Error(serr))
		}
	}
	return res, nil
}

// TransitionStatus applies the transition in the store and drops the
// cached copy so the next lookup sees the new status.
func (c *CachedReservations) TransitionStatus(ctx context.Context, id uint64, from []model.ReservationStatus, to model.ReservationStatus) error {
	err := c.store.TransitionStatus(ctx, id, from, to)
	if c.enabled() {
		if derr := c.rdb.Del(ctx, c.key(id)).Err(); derr != nil {
			c.logger.Warn("reservation cache invalidation failed", zap.Uint64("reservation_id", id), zap.Error(derr))
		}
	}
	return err
}
