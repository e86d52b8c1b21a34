package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/flowsmith/flowsmith/types"
)

// DefaultEncoding 是估算用量时使用的 tiktoken 编码。
const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens in a piece of text.
type TokenCounter interface {
	Count(text string) (int, error)
}

// ============================================================
// Tiktoken counter
// ============================================================

// TiktokenCounter 基于 tiktoken 编码精确计数。
// 编码数据在首次使用时惰性加载（可能触发下载）。
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktokenCounter 创建指定编码的计数器，空编码名回退到 cl100k_base。
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Count implements TokenCounter.
func (t *TiktokenCounter) Count(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// ============================================================
// Heuristic counter
// ============================================================

// HeuristicCounter estimates token counts from character classes without
// any encoding data. CJK characters run ~1.5 chars per token, ASCII ~4.
type HeuristicCounter struct{}

// Count implements TokenCounter. It never fails.
func (HeuristicCounter) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	estimated := int(float64(cjkCount)/1.5 + float64(totalChars-cjkCount)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}

// ============================================================
// Usage estimator
// ============================================================

// UsageEstimator fills in token usage for agent responses that did not
// report any. Counts produced here are marked Estimated so downstream
// accounting can tell them apart from agent-reported numbers.
type UsageEstimator struct {
	counter  TokenCounter
	fallback TokenCounter
	logger   *zap.Logger

	warnOnce sync.Once
}

// NewUsageEstimator 创建用量估算器。counter 为 nil 时使用 tiktoken，
// 计数失败（如离线环境无法加载编码）则回退到字符启发式。
func NewUsageEstimator(counter TokenCounter, logger *zap.Logger) *UsageEstimator {
	if counter == nil {
		counter = NewTiktokenCounter("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageEstimator{
		counter:  counter,
		fallback: HeuristicCounter{},
		logger:   logger.With(zap.String("component", "usage_estimator")),
	}
}

// Estimate counts prompt and completion tokens.
func (e *UsageEstimator) Estimate(prompt, completion string) types.TokenUsage {
	promptTokens := e.count(prompt)
	completionTokens := e.count(completion)
	return types.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Estimated:        true,
	}
}

// EnsureUsage backfills resp.Usage when the agent reported nothing.
// Reported usage is never overwritten.
func (e *UsageEstimator) EnsureUsage(req *types.AgentRequest, resp *types.AgentResponse) {
	if resp == nil || resp.Usage.TotalTokens > 0 {
		return
	}

	prompt := ""
	if req != nil {
		prompt = textOf(req.Input)
	}
	completion := resp.Content
	if completion == "" && resp.Output != nil {
		completion = textOf(resp.Output)
	}
	resp.Usage = e.Estimate(prompt, completion)
}

func (e *UsageEstimator) count(text string) int {
	if text == "" {
		return 0
	}
	n, err := e.counter.Count(text)
	if err != nil {
		e.warnOnce.Do(func() {
			e.logger.Warn("token counter unavailable, using heuristic estimate", zap.Error(err))
		})
		n, _ = e.fallback.Count(text)
	}
	return n
}

// textOf renders an arbitrary value as the text we charge tokens for.
func textOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
		return fmt.Sprintf("%v", v)
	}
}

// ============================================================
// Usage-estimating invoker decorator
// ============================================================

type usageInvoker struct {
	next Invoker
	est  *UsageEstimator
}

// WithUsageEstimation wraps an invoker so every successful response carries
// token usage, estimated when the agent did not report any.
func WithUsageEstimation(next Invoker, est *UsageEstimator) Invoker {
	if est == nil {
		est = NewUsageEstimator(nil, nil)
	}
	return &usageInvoker{next: next, est: est}
}

func (u *usageInvoker) Invoke(ctx context.Context, req *types.AgentRequest) (*types.AgentResponse, error) {
	resp, err := u.next.Invoke(ctx, req)
	if err != nil {
		return resp, err
	}
	u.est.EnsureUsage(req, resp)
	return resp, nil
}
