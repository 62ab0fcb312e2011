package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/carvalue-api/pkg/password"
)

func validConfig() *Config {
	return &Config{
		JWT: JWTConfig{
			Issuer:   "carvalue-api",
			Audience: "carvalue-api",
			KeyID:    "k1",
			Keys:     map[string]string{"k1": "0123456789abcdef0123456789abcdef"},
			TTL:      time.Hour,
		},
		RefreshToken: RefreshTokenConfig{
			Bytes:         32,
			TTL:           24 * time.Hour,
			HashAlgorithm: "sha256",
			KeyID:         "r1",
			Keys:          map[string]string{"r1": "refresh-secret"},
		},
		Revocation: RevocationConfig{TTL: time.Hour},
		Password:   PasswordConfig{MemoryKB: 8192, Time: 1, Parallelism: 1},
		HTTP:       HTTPConfig{RequestTimeout: time.Second},
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, time.Hour, cfg.JWT.TTL)
	assert.Equal(t, "sha256", cfg.RefreshToken.HashAlgorithm)
	assert.True(t, cfg.Database.AutoMigrate)
	argon := password.DefaultConfig()
	assert.Equal(t, argon.MemoryKB, cfg.Password.MemoryKB)
	assert.Equal(t, argon.Time, cfg.Password.Time)
	assert.Equal(t, argon.Parallelism, cfg.Password.Parallelism)
	assert.GreaterOrEqual(t, cfg.Revocation.TTL, cfg.JWT.TTL)
	assert.Contains(t, cfg.JWT.Keys, cfg.JWT.KeyID)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("JWT_TTL", "2h")
	t.Setenv("REVOCATION_TTL", "30m")
	t.Setenv("RT_SECRET_KEYS", "old:aaaa,new:bbbb")
	t.Setenv("RT_KID", "new")
	t.Setenv("RT_HASH_ALG", "SHA512")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Revocation.TTL, "revocation ttl is clamped to the access token ttl")
	assert.Equal(t, "sha512", cfg.RefreshToken.HashAlgorithm)
	assert.Equal(t, map[string]string{"old": "aaaa", "new": "bbbb"}, cfg.RefreshToken.Keys)
}

func TestLoadRejectsUnknownCurrentKey(t *testing.T) {
	t.Setenv("RT_KID", "missing")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RT_KID")
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(*Config){
		"RT_BYTES":       func(c *Config) { c.RefreshToken.Bytes = 16 },
		"RT_TTL":         func(c *Config) { c.RefreshToken.TTL = time.Minute },
		"RT_HASH_ALG":    func(c *Config) { c.RefreshToken.HashAlgorithm = "md5" },
		"JWT_KID":        func(c *Config) { c.JWT.KeyID = "nope" },
		"JWT key":        func(c *Config) { c.JWT.Keys["k1"] = "short" },
		"REVOCATION_TTL": func(c *Config) { c.Revocation.TTL = time.Minute },
		"ARGON2":         func(c *Config) { c.Password.MemoryKB = 1024 },
	}
	for want, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		err := cfg.Validate()
		require.Error(t, err, want)
		assert.Contains(t, err.Error(), want)
	}
}
