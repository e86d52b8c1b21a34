// =============================================================================
// 📦 FlowSmith 配置加载器
// =============================================================================
// 引擎各子系统的统一配置入口，YAML 文件叠加环境变量覆盖
//
// 用法:
//
//	cfg, err := config.NewLoader().
//	    WithEnvPrefix("FLOWSMITH").
//	    WithConfigPath("flowsmith.yaml").
//	    Load()
//
// 后写的来源覆盖先写的: 默认值、YAML 文件、环境变量依次生效
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 配置结构定义
// =============================================================================

// Config 是 FlowSmith 引擎的完整配置结构
type Config struct {
	// Engine 调度引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Tools 工具执行子系统配置
	Tools ToolsConfig `yaml:"tools" env:"TOOLS"`

	// HumanInput 人工输入节点配置
	HumanInput HumanInputConfig `yaml:"human_input" env:"HUMAN_INPUT"`

	// Redis 运行存储 / 事件总线配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 持久化存储
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志输出
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry OTLP 遥测
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// EngineConfig 调度引擎配置
type EngineConfig struct {
	// 待执行队列容量
	QueueCapacity int `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	// 最大并发运行数
	MaxConcurrentRuns int64 `yaml:"max_concurrent_runs" env:"MAX_CONCURRENT_RUNS"`
	// 单次运行默认超时
	DefaultRunTimeout time.Duration `yaml:"default_run_timeout" env:"DEFAULT_RUN_TIMEOUT"`
	// 熔断器巡检间隔
	BreakerSweepInterval time.Duration `yaml:"breaker_sweep_interval" env:"BREAKER_SWEEP_INTERVAL"`
	// 终态运行保留时长（0 表示不清理）
	HistoryRetention time.Duration `yaml:"history_retention" env:"HISTORY_RETENTION"`
}

// ToolsConfig 工具执行子系统配置
type ToolsConfig struct {
	// 熔断阈值：连续失败次数
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	// 熔断冷却时长（之后进入半开）
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
	// 强制闭合时长（巡检时超过该时长的熔断器直接闭合）
	BreakerForceCloseAfter time.Duration `yaml:"breaker_force_close_after" env:"BREAKER_FORCE_CLOSE_AFTER"`
	// 单次工具调用默认超时
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 默认最大重试次数
	DefaultMaxRetries int `yaml:"default_max_retries" env:"DEFAULT_MAX_RETRIES"`
	// 默认退避基础延迟
	DefaultBaseDelay time.Duration `yaml:"default_base_delay" env:"DEFAULT_BASE_DELAY"`
	// 默认限流速率（每秒调用数，0 表示不限流）
	DefaultRateLimit float64 `yaml:"default_rate_limit" env:"DEFAULT_RATE_LIMIT"`
	// 默认限流突发量
	DefaultRateBurst int `yaml:"default_rate_burst" env:"DEFAULT_RATE_BURST"`
}

// HumanInputConfig 人工输入节点配置
type HumanInputConfig struct {
	// 默认等待超时
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
}

// RedisConfig Redis 连接参数
type RedisConfig struct {
	// host:port 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 认证密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 逻辑库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池上限
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 预热的空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 关系型存储连接参数
type DatabaseConfig struct {
	// 驱动: postgres / mysql / sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机地址
	Host string `yaml:"host" env:"HOST"`
	// 服务端口
	Port int `yaml:"port" env:"PORT"`
	// 登录用户
	User string `yaml:"user" env:"USER"`
	// 登录密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// sslmode 取值
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 空闲连接上限
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 单个连接的最长存活时间
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig zap 日志行为
type LogConfig struct {
	// 级别: debug/info/warn/error
	Level string `yaml:"level" env:"LEVEL"`
	// 编码: json 或 console
	Format string `yaml:"format" env:"FORMAT"`
	// 写入目标（文件路径或 stdout/stderr）
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 记录调用位置
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// error 级别附带堆栈
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OpenTelemetry 导出参数
type TelemetryConfig struct {
	// 总开关
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP gRPC 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 上报用的服务名
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 轨迹采样率 [0,1]
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 开关
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 加载器
// =============================================================================

// Loader 以链式调用组装加载选项
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 返回带默认前缀的加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "FLOWSMITH"}
}

// WithConfigPath 指定 YAML 配置文件
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 更换环境变量前缀（默认 FLOWSMITH）
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 追加一个加载后执行的校验函数
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 按"默认值 → YAML 文件 → 环境变量"的顺序叠出最终配置，
// 然后依次跑注册的校验函数。
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.mergeFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := overlayEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
	}
	return cfg, nil
}

// mergeFile 把 YAML 文件内容并入 cfg。文件不存在不算错误，
// 保持默认值继续。
func (l *Loader) mergeFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", l.configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// overlayEnv 深度遍历配置结构体，把 <前缀>_<env 标签> 形式的
// 环境变量写进带 env 标签的字段。嵌套结构体逐级拼接前缀。
func overlayEnv(v reflect.Value, prefix string) error {
	for _, f := range reflect.VisibleFields(v.Type()) {
		tag := f.Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.FieldByIndex(f.Index)

		if field.Kind() == reflect.Struct {
			if err := overlayEnv(field, key); err != nil {
				return err
			}
			continue
		}

		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		if err := assignField(field, raw); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

// assignField 把字符串形式的环境变量值写入单个字段。
// time.Duration 走 ParseDuration，字符串切片按逗号拆分。
func assignField(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(raw, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// =============================================================================
// 🔍 快捷入口与校验
// =============================================================================

// MustLoad 等价于 Load，但失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从默认值与环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 检查关键参数的取值范围
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Engine.QueueCapacity > 0, "engine queue_capacity must be positive")
	check(c.Engine.MaxConcurrentRuns > 0, "engine max_concurrent_runs must be positive")
	check(c.Tools.BreakerFailureThreshold > 0, "tools breaker_failure_threshold must be positive")
	check(c.Tools.BreakerCooldown > 0, "tools breaker_cooldown must be positive")
	check(c.Tools.DefaultMaxRetries >= 0, "tools default_max_retries must not be negative")
	check(c.HumanInput.DefaultTimeout > 0, "human_input default_timeout must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// DSN 按驱动拼出数据库连接串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	}
	return ""
}
