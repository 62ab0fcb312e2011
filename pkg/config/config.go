package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/noah-isme/carvalue-api/pkg/keys"
	"github.com/noah-isme/carvalue-api/pkg/password"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	AuthRedis    RedisConfig
	JWT          JWTConfig
	RefreshToken RefreshTokenConfig
	Revocation   RevocationConfig
	Password     PasswordConfig
	HTTP         HTTPConfig
	CORS         CORSConfig
	Log          LogConfig
	Audit        AuditConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// JWTConfig describes access token signing. Keys are "kid:secret" pairs.
type JWTConfig struct {
	Issuer   string
	Audience string
	KeyID    string
	Keys     map[string]string
	TTL      time.Duration
}

// RefreshTokenConfig describes opaque refresh token generation and hashing.
type RefreshTokenConfig struct {
	Bytes         int
	TTL           time.Duration
	HashAlgorithm string
	KeyID         string
	Keys          map[string]string
}

// RevocationConfig controls how long denylist entries live in Redis.
type RevocationConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

// PasswordConfig tunes Argon2id.
type PasswordConfig struct {
	MemoryKB    uint32
	Time        uint32
	Parallelism uint8
}

type HTTPConfig struct {
	RequestTimeout time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AuditConfig sizes the asynchronous audit log writer.
type AuditConfig struct {
	Workers    int
	BufferSize int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.AuthRedis = RedisConfig{
		Host:         v.GetString("AUTH_REDIS_HOST"),
		Port:         v.GetInt("AUTH_REDIS_PORT"),
		Password:     v.GetString("AUTH_REDIS_PASSWORD"),
		DB:           v.GetInt("AUTH_REDIS_DB"),
		DialTimeout:  parseDuration(v.GetString("AUTH_REDIS_DIAL_TIMEOUT"), 2*time.Second),
		ReadTimeout:  parseDuration(v.GetString("AUTH_REDIS_READ_TIMEOUT"), time.Second),
		WriteTimeout: parseDuration(v.GetString("AUTH_REDIS_WRITE_TIMEOUT"), time.Second),
	}

	jwtKeys, err := keys.Parse(v.GetString("JWT_SECRET_KEYS"))
	if err != nil {
		return nil, fmt.Errorf("JWT_SECRET_KEYS: %w", err)
	}
	cfg.JWT = JWTConfig{
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: v.GetString("JWT_AUDIENCE"),
		KeyID:    v.GetString("JWT_KID"),
		Keys:     jwtKeys,
		TTL:      parseDuration(v.GetString("JWT_TTL"), time.Hour),
	}

	rtKeys, err := keys.Parse(v.GetString("RT_SECRET_KEYS"))
	if err != nil {
		return nil, fmt.Errorf("RT_SECRET_KEYS: %w", err)
	}
	cfg.RefreshToken = RefreshTokenConfig{
		Bytes:         v.GetInt("RT_BYTES"),
		TTL:           parseDuration(v.GetString("RT_TTL"), 30*24*time.Hour),
		HashAlgorithm: strings.ToLower(v.GetString("RT_HASH_ALG")),
		KeyID:         v.GetString("RT_KID"),
		Keys:          rtKeys,
	}

	cfg.Revocation = RevocationConfig{
		TTL:       parseDuration(v.GetString("REVOCATION_TTL"), 0),
		KeyPrefix: v.GetString("REVOCATION_KEY_PREFIX"),
	}

	cfg.Password = PasswordConfig{
		MemoryKB:    v.GetUint32("ARGON2_MEMORY_KB"),
		Time:        v.GetUint32("ARGON2_TIME"),
		Parallelism: uint8(v.GetUint("ARGON2_PARALLELISM")),
	}

	cfg.HTTP = HTTPConfig{RequestTimeout: parseDuration(v.GetString("REQUEST_TIMEOUT"), 5*time.Second)}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Audit = AuditConfig{
		Workers:    v.GetInt("AUDIT_WORKERS"),
		BufferSize: v.GetInt("AUDIT_BUFFER"),
	}

	if cfg.Revocation.TTL < cfg.JWT.TTL {
		cfg.Revocation.TTL = cfg.JWT.TTL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the security sensitive settings. Any failure is fatal at startup.
func (c *Config) Validate() error {
	var problems []string

	if c.JWT.Issuer == "" {
		problems = append(problems, "JWT_ISSUER is required")
	}
	if c.JWT.Audience == "" {
		problems = append(problems, "JWT_AUDIENCE is required")
	}
	if _, ok := c.JWT.Keys[c.JWT.KeyID]; !ok {
		problems = append(problems, "JWT_KID must be a key present in JWT_SECRET_KEYS")
	}
	if c.JWT.TTL < 5*time.Minute {
		problems = append(problems, "JWT_TTL must be at least 5m")
	}
	for id, secret := range c.JWT.Keys {
		if len(secret) < 32 {
			problems = append(problems, fmt.Sprintf("JWT key %q must be at least 32 bytes", id))
		}
	}

	if c.RefreshToken.Bytes < 32 {
		problems = append(problems, "RT_BYTES must be at least 32")
	}
	if c.RefreshToken.TTL < time.Hour {
		problems = append(problems, "RT_TTL must be at least 1h")
	}
	if c.RefreshToken.HashAlgorithm != "sha256" && c.RefreshToken.HashAlgorithm != "sha512" {
		problems = append(problems, "RT_HASH_ALG must be sha256 or sha512")
	}
	if _, ok := c.RefreshToken.Keys[c.RefreshToken.KeyID]; !ok {
		problems = append(problems, "RT_KID must be a key present in RT_SECRET_KEYS")
	}

	if c.Revocation.TTL < c.JWT.TTL {
		problems = append(problems, "REVOCATION_TTL must not be shorter than JWT_TTL")
	}
	if c.Password.MemoryKB < 8*1024 {
		problems = append(problems, "ARGON2_MEMORY_KB must be at least 8192")
	}
	if c.Password.Time < 1 || c.Password.Parallelism < 1 {
		problems = append(problems, "ARGON2_TIME and ARGON2_PARALLELISM must be positive")
	}
	if c.HTTP.RequestTimeout <= 0 {
		problems = append(problems, "REQUEST_TIMEOUT must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "carvalue")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("AUTH_REDIS_HOST", "localhost")
	v.SetDefault("AUTH_REDIS_PORT", 6379)
	v.SetDefault("AUTH_REDIS_PASSWORD", "")
	v.SetDefault("AUTH_REDIS_DB", 0)
	v.SetDefault("AUTH_REDIS_DIAL_TIMEOUT", "2s")
	v.SetDefault("AUTH_REDIS_READ_TIMEOUT", "1s")
	v.SetDefault("AUTH_REDIS_WRITE_TIMEOUT", "1s")

	v.SetDefault("JWT_ISSUER", "carvalue-api")
	v.SetDefault("JWT_AUDIENCE", "carvalue-api")
	v.SetDefault("JWT_KID", "dev")
	v.SetDefault("JWT_SECRET_KEYS", "dev:dev_jwt_secret_change_me_0123456789abcdef")
	v.SetDefault("JWT_TTL", "1h")

	v.SetDefault("RT_BYTES", 32)
	v.SetDefault("RT_TTL", "720h")
	v.SetDefault("RT_HASH_ALG", "sha256")
	v.SetDefault("RT_KID", "dev")
	v.SetDefault("RT_SECRET_KEYS", "dev:dev_refresh_secret_change_me_0123456789")

	v.SetDefault("REVOCATION_TTL", "")
	v.SetDefault("REVOCATION_KEY_PREFIX", "user:")

	argon := password.DefaultConfig()
	v.SetDefault("ARGON2_MEMORY_KB", argon.MemoryKB)
	v.SetDefault("ARGON2_TIME", argon.Time)
	v.SetDefault("ARGON2_PARALLELISM", argon.Parallelism)

	v.SetDefault("REQUEST_TIMEOUT", "5s")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("AUDIT_BUFFER", 256)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
