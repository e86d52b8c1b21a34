package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PopulatesEverySection(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// 每个配置段都不应该是零值
	sections := map[string]bool{
		"engine":      cfg.Engine != EngineConfig{},
		"tools":       cfg.Tools != ToolsConfig{},
		"human_input": cfg.HumanInput != HumanInputConfig{},
		"redis":       cfg.Redis != RedisConfig{},
		"database":    cfg.Database != DatabaseConfig{},
		"metrics":     cfg.Metrics != MetricsConfig{},
	}
	for name, populated := range sections {
		assert.True(t, populated, "section %s left at zero value", name)
	}
	assert.NotEmpty(t, cfg.Log.Level)
	assert.NotEmpty(t, cfg.Log.OutputPaths)
}

func TestDefaultToolsConfig_MatchesBreakerContract(t *testing.T) {
	cfg := DefaultToolsConfig()

	// 熔断参数与引擎契约一致：5 次连续失败、60 秒冷却、1 小时强制闭合
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, time.Hour, cfg.BreakerForceCloseAfter)

	// 默认退避基础延迟 1 秒
	assert.Equal(t, time.Second, cfg.DefaultBaseDelay)
}

func TestDefaultEngineConfig_Sane(t *testing.T) {
	cfg := DefaultEngineConfig()

	assert.Positive(t, cfg.QueueCapacity)
	assert.Positive(t, cfg.MaxConcurrentRuns)
	assert.Positive(t, cfg.DefaultRunTimeout)
	assert.Equal(t, time.Hour, cfg.BreakerSweepInterval)
}

func TestDefaultConfig_PassesValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}
