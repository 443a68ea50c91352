package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Name     string
	}
	RabbitMQ struct {
		Host     string
		Port     int
		User     string
		Password string
	}
	NATS struct {
		URL string
	}
	Services struct {
		TrackingServicePort int
	}
	Auth struct {
		JWTSecret string
	}
	Tracking struct {
		SmoothingAlpha   float64
		FallbackSpeedKmh float64
		DelayThreshold   int // minutes
		StopProximityM   float64
		StopArrivalM     float64
		OffRouteM        float64
		CloseGrace       time.Duration
		IdleGrace        time.Duration
		SubscriberBuffer int
		Location         *time.Location
	}
	CORSOrigins    []string
	LogLevel       string
	MetricsEnabled bool
	MigrationsDir  string
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, val)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, val)
	}
	return f, nil
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []error
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port, err = getEnvInt("DB_PORT", 5432)
	collect(err)
	cfg.Database.User = getEnv("DB_USER", "bustracker_user")
	cfg.Database.Password = getEnv("DB_PASSWORD", "bustracker_pass")
	cfg.Database.Name = getEnv("DB_NAME", "bustracker_db")

	// Empty host disables the broker.
	cfg.RabbitMQ.Host = os.Getenv("RABBITMQ_HOST")
	cfg.RabbitMQ.Port, err = getEnvInt("RABBITMQ_PORT", 5672)
	collect(err)
	cfg.RabbitMQ.User = getEnv("RABBITMQ_USER", "guest")
	cfg.RabbitMQ.Password = getEnv("RABBITMQ_PASSWORD", "guest")

	cfg.NATS.URL = os.Getenv("NATS_URL")

	cfg.Services.TrackingServicePort, err = getEnvInt("TRACKING_SERVICE_PORT", 3005)
	collect(err)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", "super-secret-key")

	t := &cfg.Tracking
	t.SmoothingAlpha, err = getEnvFloat("SPEED_SMOOTHING_ALPHA", 0.2)
	collect(err)
	if err == nil && (t.SmoothingAlpha <= 0 || t.SmoothingAlpha > 1) {
		collect(fmt.Errorf("invalid SPEED_SMOOTHING_ALPHA: %v (want 0 < a <= 1)", t.SmoothingAlpha))
	}
	t.FallbackSpeedKmh, err = getEnvFloat("FALLBACK_SPEED_KMH", 25)
	collect(err)
	if err == nil && t.FallbackSpeedKmh <= 0 {
		collect(fmt.Errorf("invalid FALLBACK_SPEED_KMH: %v", t.FallbackSpeedKmh))
	}
	t.DelayThreshold, err = getEnvInt("DELAY_THRESHOLD_MIN", 5)
	collect(err)
	t.StopProximityM, err = getEnvFloat("STOP_PROXIMITY_M", 300)
	collect(err)
	t.StopArrivalM, err = getEnvFloat("STOP_ARRIVAL_M", 40)
	collect(err)
	t.OffRouteM, err = getEnvFloat("OFF_ROUTE_M", 150)
	collect(err)

	closeSec, err := getEnvInt("TRIP_CLOSE_GRACE_SEC", 10)
	collect(err)
	t.CloseGrace = time.Duration(closeSec) * time.Second
	idleSec, err := getEnvInt("TRIP_IDLE_GRACE_SEC", 300)
	collect(err)
	t.IdleGrace = time.Duration(idleSec) * time.Second

	t.SubscriberBuffer, err = getEnvInt("SUBSCRIBER_BUFFER", 64)
	collect(err)
	if err == nil && t.SubscriberBuffer <= 0 {
		collect(fmt.Errorf("invalid SUBSCRIBER_BUFFER: %d", t.SubscriberBuffer))
	}

	if tz := os.Getenv("TZ"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			collect(fmt.Errorf("invalid TZ: %v", err))
		}
		t.Location = loc
	}
	if t.Location == nil {
		t.Location = time.Local
	}

	for _, o := range strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)
	cfg.MigrationsDir = getEnv("MIGRATIONS_DIR", "migrations")

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Config) Print() {
	fmt.Printf("📦 Database: %s@%s:%d/%s\n", c.Database.User, c.Database.Host, c.Database.Port, c.Database.Name)
	if c.RabbitMQ.Host != "" {
		fmt.Printf("🐇 RabbitMQ: amqp://%s:***@%s:%d\n", c.RabbitMQ.User, c.RabbitMQ.Host, c.RabbitMQ.Port)
	} else {
		fmt.Println("🐇 RabbitMQ: disabled")
	}
	if c.NATS.URL != "" {
		fmt.Printf("📡 NATS: %s\n", c.NATS.URL)
	} else {
		fmt.Println("📡 NATS: disabled")
	}
	fmt.Printf("🌐 Tracking service port: %d\n", c.Services.TrackingServicePort)
	fmt.Printf("🚌 Tracking → alpha:%.2f | fallback:%.0fkm/h | delay:%dmin | proximity:%.0fm | idle:%s\n",
		c.Tracking.SmoothingAlpha, c.Tracking.FallbackSpeedKmh, c.Tracking.DelayThreshold,
		c.Tracking.StopProximityM, c.Tracking.IdleGrace)
}
