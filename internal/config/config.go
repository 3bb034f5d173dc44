// Package config assembles the explicit collaborator graph cmd/server
// wires up: no package-level singletons, every component a constructor
// argument.
package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"turbodriver/internal/clockz"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/eta"
	"turbodriver/internal/eventbus"
	"turbodriver/internal/geoindex"
	"turbodriver/internal/obslog"
	"turbodriver/internal/queue"
	"turbodriver/internal/retry"
	"turbodriver/internal/scheduler"
	"turbodriver/internal/storage"
)

// Config is every collaborator cmd/server needs, constructed once at
// startup and threaded through explicitly.
type Config struct {
	Env              string
	HTTPAddr         string
	AckSeconds       int
	IdempotencyTTL   time.Duration
	DriverTTL        time.Duration
	AuthTTL          time.Duration

	Store      dispatch.DispatchRepository
	Rides      dispatch.RideRepository
	Idempotent *dispatch.IdempotencyCache
	GeoIndex   geoindex.Index
	ETA        eta.Oracle
	Bus        eventbus.Bus
	WS         *eventbus.WebsocketBus
	Queue      queue.Queue
	Scheduler  *scheduler.Scheduler
	Clock      clockz.Clock

	DB     *storage.Pool
	Events *storage.DispatchStore

	rabbitConn *amqp.Connection
}

// Load reads environment variables and builds every collaborator,
// falling back to in-memory implementations wherever a backing service
// is unreachable — except in "prod", where a missing required backing
// service is fatal.
func Load(ctx context.Context) (*Config, error) {
	env := envOrDefault("ENV", "dev")
	cfg := &Config{
		Env:            env,
		HTTPAddr:       envOrDefault("HTTP_ADDR", ":8080"),
		AckSeconds:     envOrDefaultInt("ACK_SECONDS", 15),
		IdempotencyTTL: envOrDefaultDuration("IDEMPOTENCY_TTL", 30*time.Minute),
		DriverTTL:      envOrDefaultDuration("DRIVER_TTL", 5*time.Minute),
		AuthTTL:        envOrDefaultDuration("AUTH_TTL", 720*time.Hour),
		Clock:          clockz.RealClock{},
	}

	cfg.GeoIndex = geoindex.NewMemoryIndex()
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			if env == "prod" {
				return nil, fmt.Errorf("config: parse REDIS_URL: %w", err)
			}
		} else {
			client := redis.NewClient(opt)
			if err := client.Ping(ctx).Err(); err != nil {
				if env == "prod" {
					return nil, fmt.Errorf("config: redis unreachable: %w", err)
				}
			} else {
				cfg.GeoIndex = geoindex.NewRedisIndex(client)
				cfg.ETA = eta.NewCachingOracle(
					eta.NewCalibratingOracle(eta.NewMultiProviderOracle(buildRouteProviders()...), eta.TimeOfDayCalibrator{}, nil),
					client,
					nil,
				)
			}
		}
	}
	if cfg.ETA == nil {
		cfg.ETA = eta.NewCalibratingOracle(eta.NewMultiProviderOracle(buildRouteProviders()...), eta.TimeOfDayCalibrator{}, nil)
	}

	cfg.Queue = queue.NewMemoryQueue(256)
	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		conn, err := amqp.Dial(amqpURL)
		if err != nil {
			if env == "prod" {
				return nil, fmt.Errorf("config: amqp dial: %w", err)
			}
		} else {
			rq, err := queue.NewRabbitQueue(conn, "turbodriver.offers")
			if err != nil {
				if env == "prod" {
					return nil, fmt.Errorf("config: rabbit setup: %w", err)
				}
			} else {
				cfg.Queue = rq
				cfg.rabbitConn = conn
			}
		}
	}

	cfg.WS = eventbus.NewWebsocketBus()
	cfg.Bus = eventbus.NewLoggingBus(cfg.WS)

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := storage.Connect(ctx, dbURL)
		if err != nil {
			if env == "prod" {
				return nil, fmt.Errorf("config: connect database: %w", err)
			}
		} else if err := storage.ApplySchema(ctx, pool); err != nil {
			if env == "prod" {
				return nil, fmt.Errorf("config: apply schema: %w", err)
			}
		} else {
			cfg.DB = pool
			pgStore := storage.NewDispatchStore(pool)
			cfg.Events = pgStore
			cfg.Store = pgStore
			cfg.Rides = storage.NewRideRepository(pool)
		}
	}
	if cfg.Store == nil {
		cfg.Store = dispatch.NewStore()
	}
	if cfg.Rides == nil {
		cfg.Rides = dispatch.NewRideStore()
	}
	cfg.Idempotent = dispatch.NewIdempotencyCache(cfg.IdempotencyTTL, nil)

	cfg.Scheduler = &scheduler.Scheduler{
		Store:      cfg.Store,
		Rides:      cfg.Rides,
		GeoIndex:   cfg.GeoIndex,
		ETA:        cfg.ETA,
		Bus:        cfg.Bus,
		Queue:      cfg.Queue,
		Clock:      cfg.Clock,
		Registry:   cfg.GeoIndex,
		Fares:      scheduler.FlatFareEstimator{BaseMinor: 5000, PerSecondMinor: 8},
		AckSeconds: cfg.AckSeconds,
		Log:        obslog.New("scheduler"),
	}

	if env == "prod" && os.Getenv("ALLOW_SIGNUP") == "true" && os.Getenv("SIGNUP_SECRET") == "" {
		return nil, fmt.Errorf("config: SIGNUP_SECRET required when ALLOW_SIGNUP=true in prod")
	}

	return cfg, nil
}

func buildRouteProviders() []eta.RouteProvider {
	client := &http.Client{Timeout: 3 * time.Second}
	var providers []eta.RouteProvider
	if key := os.Getenv("GOOGLE_MAPS_API_KEY"); key != "" {
		providers = append(providers, eta.NewGoogleMapsProvider(client, key))
	}
	if key := os.Getenv("MAPBOX_API_KEY"); key != "" {
		providers = append(providers, eta.NewMapboxProvider(client, key))
	}
	if base := os.Getenv("OSRM_BASE_URL"); base != "" {
		providers = append(providers, eta.NewOSRMProvider(client, base))
	}
	providers = append(providers, eta.NewMockRouteProvider())
	return providers
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.DefaultPolicy
}

func (c *Config) Close() {
	if c.Queue != nil {
		_ = c.Queue.Close()
	}
	if c.rabbitConn != nil {
		_ = c.rabbitConn.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
