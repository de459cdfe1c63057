package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/accredit/internal/cache"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/model"
)

// GeocodeResult is a resolved coordinate.
type GeocodeResult struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Cached    bool    `json:"cached"`
}

type geocodeHit struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocoder resolves postal addresses to coordinates through a
// Nominatim-compatible search endpoint. The outbound rate limit comes from
// the client configuration.
type Geocoder struct {
	client  *Client
	cache   cache.Cache
	ttl     time.Duration
	group   singleflight.Group
	logger  *zap.Logger
	metrics Recorder
}

// NewGeocoder creates a geocoder.
func NewGeocoder(client *Client, c cache.Cache, ttl time.Duration, logger *zap.Logger, metrics Recorder) *Geocoder {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Geocoder{client: client, cache: c, ttl: ttl, logger: logger, metrics: metrics}
}

// NormalizeAddress lowercases and collapses whitespace.
func NormalizeAddress(address string) string {
	return strings.Join(strings.Fields(strings.ToLower(address)), " ")
}

// Geocode resolves address. An address the service cannot find is NOT_FOUND.
func (g *Geocoder) Geocode(ctx context.Context, address string) (_ GeocodeResult, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.geocode", observability.AttrService.String(g.client.Name()))
	defer func() { observability.EndSpanWithError(span, err) }()
	normalized := NormalizeAddress(address)
	if normalized == "" {
		return GeocodeResult{}, model.NewValidationError([]model.FieldError{
			{Field: "address", Code: "REQUIRED", Message: "address is required"},
		})
	}
	key := cache.Key("geocode", normalized)

	if g.ttl > 0 {
		var cached GeocodeResult
		found, err := g.cache.Get(ctx, key, &cached)
		if err != nil {
			g.logger.Warn("geocode cache read failed", zap.Error(err))
		}
		g.metrics.RecordCacheResult("geocode", found)
		span.SetAttributes(observability.AttrCacheHit.Bool(found))
		if found {
			cached.Cached = true
			return cached, nil
		}
	}

	res, err, _ := g.group.Do(key, func() (any, error) {
		q := url.Values{}
		q.Set("q", normalized)
		q.Set("format", "json")
		q.Set("limit", "1")

		var hits []geocodeHit
		if err := g.client.Do(ctx, http.MethodGet, "/search", q, nil, &hits); err != nil {
			if _, rejected := IsRejected(err); rejected {
				return GeocodeResult{}, model.NewProviderUnavailableError(g.client.Name()).WithCause(err)
			}
			return GeocodeResult{}, err
		}
		if len(hits) == 0 {
			return GeocodeResult{}, model.NewNotFoundError("address could not be geocoded")
		}
		out, err := parseHit(hits[0])
		if err != nil {
			return GeocodeResult{}, model.NewProviderUnavailableError(g.client.Name()).WithCause(err)
		}
		if g.ttl > 0 {
			if err := g.cache.Set(ctx, key, out, g.ttl); err != nil {
				g.logger.Warn("geocode cache write failed", zap.Error(err))
			}
		}
		return out, nil
	})
	if err != nil {
		return GeocodeResult{}, err
	}
	return res.(GeocodeResult), nil
}

func parseHit(h geocodeHit) (GeocodeResult, error) {
	lat, err := strconv.ParseFloat(h.Lat, 64)
	if err != nil {
		return GeocodeResult{}, fmt.Errorf("geocoder: latitude %q: %w", h.Lat, err)
	}
	lon, err := strconv.ParseFloat(h.Lon, 64)
	if err != nil {
		return GeocodeResult{}, fmt.Errorf("geocoder: longitude %q: %w", h.Lon, err)
	}
	return GeocodeResult{Latitude: lat, Longitude: lon}, nil
}
