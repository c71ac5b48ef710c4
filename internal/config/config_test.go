package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, 8, cfg.Builder.BatchWorkers)
	assert.Equal(t, 5, cfg.Traversal.DefaultMaxDepth)
	assert.Equal(t, 10, cfg.Traversal.PathMaxDepth)
	assert.Equal(t, 1000, cfg.Traversal.MaxNodes)
	assert.Equal(t, 100, cfg.SPOF.CandidateCap)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.StaleAfter)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Database.URL = "postgres://localhost/netseer"
		return cfg
	}

	t.Run("accepts defaults with a database URL", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("postgres backend requires a URL", func(t *testing.T) {
		cfg := valid()
		cfg.Database.URL = ""
		assert.ErrorContains(t, cfg.Validate(), "database.url")
	})

	t.Run("memory backend needs no URL", func(t *testing.T) {
		cfg := valid()
		cfg.Database.Backend = "memory"
		cfg.Database.URL = ""
		require.NoError(t, cfg.Validate())
	})

	t.Run("rejects unknown backends", func(t *testing.T) {
		cfg := valid()
		cfg.Database.Backend = "sqlite"
		assert.ErrorContains(t, cfg.Validate(), "database.backend")
	})

	t.Run("rejects non-positive bounds", func(t *testing.T) {
		cfg := valid()
		cfg.Builder.BatchWorkers = 0
		assert.Error(t, cfg.Validate())

		cfg = valid()
		cfg.Traversal.MaxNodes = -1
		assert.Error(t, cfg.Validate())

		cfg = valid()
		cfg.Sweep.ClosuresPerSecond = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestNewFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("database.backend", "memory")
	v.Set("traversal.default_max_depth", 3)

	cfg, err := NewFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, 3, cfg.Traversal.DefaultMaxDepth)

	v.Set("spof.candidate_cap", 0)
	_, err = NewFromViper(v)
	assert.ErrorContains(t, err, "spof.candidate_cap")
}
