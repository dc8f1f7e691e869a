package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"shuttle/internal/presence/geo"
)

// Server captures process level configuration.
type Server struct {
	Addr          string        `yaml:"addr" validate:"required"`
	Environment   string        `yaml:"environment" validate:"oneof=development production test"`
	LogLevel      string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	JWTSigningKey string        `yaml:"jwt_signing_key"`
	AuthRequired  bool          `yaml:"auth_required"`
	OutboxSize    int           `yaml:"outbox_size" validate:"gt=0"`
	VerifyEvery   time.Duration `yaml:"verify_every" validate:"gte=0"`
	ServiceArea   ServiceArea   `yaml:"service_area"`
	Redis         RedisConfig   `yaml:"redis"`
}

// ServiceArea is the geofence drivers must stay inside.
type ServiceArea struct {
	Lat      float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng      float64 `yaml:"lng" validate:"gte=-180,lte=180"`
	RadiusKm float64 `yaml:"radius_km" validate:"gt=0"`
}

// Area converts the configured values into an immutable geo.Area.
func (s ServiceArea) Area() geo.Area {
	return geo.NewArea(s.Lat, s.Lng, s.RadiusKm)
}

// RedisConfig configures the optional presence sink. An empty URL disables it.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	Channel      string        `yaml:"channel" validate:"required_with=URL"`
	PoolSize     int           `yaml:"pool_size" validate:"gte=0"`
	MinIdleConns int           `yaml:"min_idle_conns" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Server {
	return Server{
		Addr:        ":8080",
		Environment: "production",
		LogLevel:    "info",
		OutboxSize:  256,
		VerifyEvery: 30 * time.Second,
		ServiceArea: ServiceArea{
			Lat:      12.9692,
			Lng:      79.1559,
			RadiusKm: 2.5,
		},
		Redis: RedisConfig{
			Channel:      "shuttle:presence",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
	}
}

// IsDevelopment reports whether invariant violations should abort the process.
func (s Server) IsDevelopment() bool {
	return s.Environment == "development"
}

// Load builds the configuration: defaults, then the YAML file named by
// SHUTTLE_CONFIG (if any), then environment variables. The result is
// validated before it is returned.
func Load() (Server, error) {
	cfg := Default()

	if path := os.Getenv("SHUTTLE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Server{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Server{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Server{}, err
	}
	if cfg.JWTSigningKey == "" && cfg.AuthRequired {
		return Server{}, fmt.Errorf("JWT_SIGNING_KEY is required when AUTH_REQUIRED is set")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Server{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Server) error {
	setString(&cfg.Addr, "SHUTTLE_ADDR")
	setString(&cfg.Environment, "ENV")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.JWTSigningKey, "JWT_SIGNING_KEY")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Redis.Channel, "PRESENCE_CHANNEL")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if v := os.Getenv("AUTH_REQUIRED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTH_REQUIRED: %w", err)
		}
		cfg.AuthRequired = b
	}
	if v := os.Getenv("OUTBOX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OUTBOX_SIZE: %w", err)
		}
		cfg.OutboxSize = n
	}
	if v := os.Getenv("VERIFY_EVERY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VERIFY_EVERY: %w", err)
		}
		cfg.VerifyEvery = d
	}
	for name, dst := range map[string]*float64{
		"SERVICE_AREA_LAT":       &cfg.ServiceArea.Lat,
		"SERVICE_AREA_LNG":       &cfg.ServiceArea.Lng,
		"SERVICE_AREA_RADIUS_KM": &cfg.ServiceArea.RadiusKm,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = f
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
