// Package config carrega a configuração do servidor em camadas: defaults,
// arquivo YAML opcional e variáveis de ambiente PARASOCIAL_*.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"parasocial-gateway/middleware/ratelimit/application"
	"parasocial-gateway/middleware/ratelimit/domain"
)

const EnvPrefix = "PARASOCIAL"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Upload    UploadConfig    `mapstructure:"upload"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Instances é informativo: com store em memória e mais de uma instância
	// cada processo aplica a própria quota.
	Instances          int           `mapstructure:"instances"`
	TrustXForwardedFor bool          `mapstructure:"trust_xff"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	BcryptCost         int           `mapstructure:"bcrypt_cost"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CategoryConfig struct {
	Window       time.Duration `mapstructure:"window"`
	Max          int           `mapstructure:"max"`
	AnonymousMax int           `mapstructure:"anonymous_max"`
	Message      string        `mapstructure:"message"`
}

type RateLimitConfig struct {
	Enabled         bool                      `mapstructure:"enabled"`
	Backend         string                    `mapstructure:"backend"`
	FailOpen        bool                      `mapstructure:"fail_open"`
	Retention       time.Duration             `mapstructure:"retention"`
	CleanupEvery    time.Duration             `mapstructure:"cleanup_every"`
	DenyLogInterval time.Duration             `mapstructure:"deny_log_interval"`
	Categories      map[string]CategoryConfig `mapstructure:"categories"`
}

type StatsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Backend   string        `mapstructure:"backend"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	Bucket    string        `mapstructure:"bucket"`
	TrackKeys bool          `mapstructure:"track_keys"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

type UploadConfig struct {
	MaxBytes       int64         `mapstructure:"max_bytes"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.instances", 1)
	v.SetDefault("server.trust_xff", false)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.bcrypt_cost", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.fail_open", false)
	v.SetDefault("ratelimit.retention", "10m")
	v.SetDefault("ratelimit.cleanup_every", "2m")
	v.SetDefault("ratelimit.deny_log_interval", "1s")
	// zero mantém a política padrão; os defaults existem para que
	// PARASOCIAL_RATELIMIT_CATEGORIES_<CATEGORIA>_MAX seja reconhecido
	for _, c := range domain.Categories() {
		base := "ratelimit.categories." + string(c)
		v.SetDefault(base+".window", "0s")
		v.SetDefault(base+".max", 0)
		v.SetDefault(base+".anonymous_max", 0)
		v.SetDefault(base+".message", "")
	}

	v.SetDefault("stats.enabled", false)
	v.SetDefault("stats.backend", BackendMemory)
	v.SetDefault("stats.prefix", "ratelimit:stats")
	v.SetDefault("stats.ttl", "24h")
	v.SetDefault("stats.bucket", "minute")
	v.SetDefault("stats.track_keys", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "parasocial")
	v.SetDefault("redis.ping_timeout", "2s")

	v.SetDefault("upload.max_bytes", 10<<20)
	v.SetDefault("upload.max_concurrent", 4)
	v.SetDefault("upload.acquire_timeout", "2s")
}

// Load monta a configuração. path vazio usa só defaults e ambiente.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reúne todos os problemas em um único erro.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.Instances < 1 {
		errs = append(errs, fmt.Errorf("server.instances must be >= 1, got %d", c.Server.Instances))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be > 0"))
	}
	if c.Server.BcryptCost < 4 || c.Server.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("server.bcrypt_cost must be between 4 and 31, got %d", c.Server.BcryptCost))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if !validBackend(c.RateLimit.Backend) {
		errs = append(errs, fmt.Errorf("ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	if c.RateLimit.Retention <= 0 {
		errs = append(errs, errors.New("ratelimit.retention must be > 0"))
	}
	if c.RateLimit.CleanupEvery < 0 {
		errs = append(errs, errors.New("ratelimit.cleanup_every must be >= 0"))
	}
	for name, cc := range c.RateLimit.Categories {
		if !domain.Category(name).Valid() {
			errs = append(errs, fmt.Errorf("ratelimit.categories: %w: %q", domain.ErrUnknownCategory, name))
			continue
		}
		if cc.Window < 0 || cc.Max < 0 || cc.AnonymousMax < 0 {
			errs = append(errs, fmt.Errorf("ratelimit.categories.%s: negative values are not allowed", name))
		}
	}

	if c.Stats.Enabled && !validBackend(c.Stats.Backend) {
		errs = append(errs, fmt.Errorf("stats.backend must be memory or redis, got %q", c.Stats.Backend))
	}
	if c.UsesRedis() && strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis.addr is required when a redis backend is selected"))
	}

	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("upload.max_bytes must be > 0"))
	}
	if c.Upload.MaxConcurrent < 0 {
		errs = append(errs, errors.New("upload.max_concurrent must be >= 0"))
	}

	return errors.Join(errs...)
}

func validBackend(b string) bool {
	return b == BackendMemory || b == BackendRedis
}

func (c *Config) UsesRedis() bool {
	return (c.RateLimit.Enabled && c.RateLimit.Backend == BackendRedis) ||
		(c.Stats.Enabled && c.Stats.Backend == BackendRedis)
}

// SharedQuotaGap é true quando várias instâncias usam store em memória e,
// portanto, não compartilham quota.
func (c *Config) SharedQuotaGap() bool {
	return c.RateLimit.Enabled && c.RateLimit.Backend == BackendMemory && c.Server.Instances > 1
}

// Overrides converte as categorias configuradas para a tabela de políticas.
func (c *Config) Overrides() map[domain.Category]application.Override {
	out := make(map[domain.Category]application.Override, len(c.RateLimit.Categories))
	for name, cc := range c.RateLimit.Categories {
		if cc == (CategoryConfig{}) {
			continue
		}
		out[domain.Category(name)] = application.Override{
			Window:       cc.Window,
			Max:          cc.Max,
			AnonymousMax: cc.AnonymousMax,
			Message:      cc.Message,
		}
	}
	return out
}
