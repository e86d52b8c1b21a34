package tools

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowsmith/flowsmith/types"
)

// BackoffKind 退避算法类型
type BackoffKind string

const (
	// BackoffLinear 线性退避：baseDelay * 重试序号
	BackoffLinear BackoffKind = "linear"
	// BackoffExponential 指数退避：baseDelay * 2^(重试序号-1)
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy 定义重试策略配置
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"` // 最大重试次数（0 表示不重试）
	Backoff    BackoffKind   `json:"backoff" yaml:"backoff"`         // 退避算法
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`   // 基础延迟时间
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`     // 最大延迟时间（0 表示不设上限）
	Jitter     bool          `json:"jitter" yaml:"jitter"`           // 是否添加随机抖动（默认关闭，保持延迟可预测）
	// RetryableMatch 可重试错误的消息子串列表。
	// 为空时所有错误均可重试；非空时错误消息必须匹配其一，否则首次失败即终止。
	RetryableMatch []string `json:"retryable_match,omitempty" yaml:"retryable_match,omitempty"`
	// OnRetry 每次重试前的回调
	OnRetry func(attempt int, err error, delay time.Duration) `json:"-" yaml:"-"`
}

// DefaultRetryPolicy 返回默认的重试策略
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		Backoff:    BackoffExponential,
		BaseDelay:  time.Second,
	}
}

// DelayFor 返回第 attempt 次重试（从 1 开始计）前的等待时长。
// linear: baseDelay * attempt；exponential: baseDelay * 2^(attempt-1)。
func (p *RetryPolicy) DelayFor(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var delay float64
	switch p.Backoff {
	case BackoffLinear:
		delay = float64(base) * float64(attempt)
	default:
		delay = float64(base) * math.Pow(2, float64(attempt-1))
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// 随机抖动（±25%），防止同时重试导致的雪崩效应
	if p.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}

// retryable 检查错误是否可重试。
// 显式标记为可重试的结构化错误直接放行；否则按消息子串匹配。
func (p *RetryPolicy) retryable(err error) bool {
	if err == nil {
		return false
	}
	if types.IsRetryable(err) {
		return true
	}
	if len(p.RetryableMatch) == 0 {
		return true
	}
	msg := err.Error()
	for _, match := range p.RetryableMatch {
		if match != "" && strings.Contains(msg, match) {
			return true
		}
	}
	return false
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func() error) error

	// DoWithResult 执行函数并返回结果，失败时根据策略重试
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

// backoffRetryer 基于退避策略的重试器实现
type backoffRetryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewRetryer 创建重试器
func NewRetryer(policy *RetryPolicy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &backoffRetryer{
		policy: policy,
		logger: logger,
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult。
// 核心重试逻辑：退避等待 + 错误消息过滤；重试耗尽时返回最后一次的错误。
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	var result any

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		// 第一次执行不延迟
		if attempt > 0 {
			delay := r.policy.DelayFor(attempt)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			// 等待延迟，同时监听 context 取消
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn()

		// 成功，直接返回
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		// 不可重试的错误首次失败即终止
		if !r.policy.retryable(lastErr) {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return nil, lastErr
		}
	}

	// 重试耗尽，原样返回最后一次的错误
	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)

	return nil, lastErr
}
