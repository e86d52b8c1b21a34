// =============================================================================
// 📦 FlowSmith 默认配置
// =============================================================================
// 各配置段的出厂默认值，Load 在读文件和环境变量之前先铺这一层
// =============================================================================
package config

import "time"

// DefaultConfig 汇总所有配置段的默认值
func DefaultConfig() *Config {
	return &Config{
		Engine:     DefaultEngineConfig(),
		Tools:      DefaultToolsConfig(),
		HumanInput: DefaultHumanInputConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
	}
}

// DefaultEngineConfig 调度引擎默认值。历史保留时长 0 表示终态运行不清理。
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		QueueCapacity:        256,
		MaxConcurrentRuns:    16,
		DefaultRunTimeout:    10 * time.Minute,
		BreakerSweepInterval: time.Hour,
	}
}

// DefaultToolsConfig 工具执行默认值。限流速率 0 表示不限流。
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		BreakerFailureThreshold: 5,
		BreakerCooldown:         60 * time.Second,
		BreakerForceCloseAfter:  time.Hour,
		DefaultTimeout:          30 * time.Second,
		DefaultMaxRetries:       3,
		DefaultBaseDelay:        time.Second,
		DefaultRateBurst:        1,
	}
}

// DefaultHumanInputConfig 人工输入默认值
func DefaultHumanInputConfig() HumanInputConfig {
	return HumanInputConfig{
		DefaultTimeout: 5 * time.Minute,
	}
}

// DefaultRedisConfig 本机 Redis 默认值
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 本机 Postgres 默认值
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "flowsmith",
		Name:            "flowsmith",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 日志默认值：info 级别 JSON 输出到 stdout
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 遥测默认值，默认关闭
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "flowsmith",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 指标默认值，默认开启
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "flowsmith",
	}
}
