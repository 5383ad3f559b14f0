// README: Dispatch bookkeeping backed by Redis GEO and sets.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"presto/internal/types"
)

const (
	providerGeoKey     = "dispatch:providers"
	offeredAtKeyPrefix = "dispatch:request:%s:offered_at"
	notifiedKeyPrefix  = "dispatch:request:%s:notified"
	// Requests should resolve well within a day; keys self-clean after that.
	keyTTL = 24 * time.Hour
)

// Store mirrors provider positions into a Redis GEO set for dashboard
// queries and records which providers were notified per request. The
// registry stays authoritative; everything here is best-effort.
type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) UpsertProvider(ctx context.Context, id types.ID, p types.Point) error {
	return s.redis.GeoAdd(ctx, providerGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (s *Store) RemoveProvider(ctx context.Context, id types.ID) error {
	return s.redis.ZRem(ctx, providerGeoKey, string(id)).Err()
}

func (s *Store) NearbyProviders(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := s.redis.GeoSearch(ctx, providerGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}

// RecordOffer stores the offer timestamp and the notified shortlist.
func (s *Store) RecordOffer(ctx context.Context, requestID types.ID, providerIDs []types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.Set(ctx, offeredAtKey(requestID), time.Now().UTC().Format(time.RFC3339), keyTTL)
	if len(providerIDs) > 0 {
		members := make([]interface{}, len(providerIDs))
		for i, p := range providerIDs {
			members[i] = string(p)
		}
		pipe.SAdd(ctx, notifiedKey(requestID), members...)
		pipe.Expire(ctx, notifiedKey(requestID), keyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetOfferedAt returns when the request was first offered, if ever.
func (s *Store) GetOfferedAt(ctx context.Context, requestID types.ID) (time.Time, bool, error) {
	val, err := s.redis.Get(ctx, offeredAtKey(requestID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *Store) WasNotified(ctx context.Context, requestID, providerID types.ID) (bool, error) {
	return s.redis.SIsMember(ctx, notifiedKey(requestID), string(providerID)).Result()
}

// ClearOffer drops the bookkeeping once a request settles.
func (s *Store) ClearOffer(ctx context.Context, requestID types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, offeredAtKey(requestID))
	pipe.Del(ctx, notifiedKey(requestID))
	_, err := pipe.Exec(ctx)
	return err
}

func offeredAtKey(requestID types.ID) string {
	return fmt.Sprintf(offeredAtKeyPrefix, string(requestID))
}

func notifiedKey(requestID types.ID) string {
	return fmt.Sprintf(notifiedKeyPrefix, string(requestID))
}
