package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Positions live in one
// sorted set; availability itself stays in the document store.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoWithClient(c, key)
}

func NewRedisGeoWithClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Position, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		out = append(out, Position{
			DriverID:  g.Name,
			Location:  models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceM: g.Dist,
		})
	}
	// Redis orders by distance only; ties need a stable order.
	SortPositions(out)
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }
