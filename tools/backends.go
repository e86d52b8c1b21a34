package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowsmith/flowsmith/types"
)

// Backend executes tool invocations for one tool type.
type Backend interface {
	// Type returns the tool type this backend serves.
	Type() types.ToolType
	// Invoke runs the tool and returns its output.
	Invoke(ctx context.Context, def *types.ToolDefinition, input map[string]any, scope types.CallScope) (any, error)
}

// BackendSet routes invocations to the backend registered for each tool type.
type BackendSet struct {
	mu       sync.RWMutex
	backends map[types.ToolType]Backend
}

// NewBackendSet 创建后端路由表。
func NewBackendSet(backends ...Backend) *BackendSet {
	s := &BackendSet{backends: make(map[types.ToolType]Backend)}
	for _, b := range backends {
		s.backends[b.Type()] = b
	}
	return s
}

// Register adds or replaces the backend for a tool type.
func (s *BackendSet) Register(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[b.Type()] = b
}

// For returns the backend serving the given tool type.
func (s *BackendSet) For(t types.ToolType) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[t]
	if !ok {
		return nil, types.NewErrorf(types.ErrBackend, "no backend registered for tool type %q", t)
	}
	return b, nil
}

// ====== 实现：FunctionBackend ======

// FunctionHandler is the signature for in-process function tools.
type FunctionHandler func(ctx context.Context, input map[string]any) (any, error)

// FunctionBackend executes tools backed by registered Go functions.
// The handler is selected by the definition's config "function" key,
// falling back to the tool name.
type FunctionBackend struct {
	mu       sync.RWMutex
	handlers map[string]FunctionHandler
	logger   *zap.Logger
}

// NewFunctionBackend 创建函数工具后端。
func NewFunctionBackend(logger *zap.Logger) *FunctionBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FunctionBackend{
		handlers: make(map[string]FunctionHandler),
		logger:   logger.With(zap.String("component", "function_backend")),
	}
}

func (b *FunctionBackend) Type() types.ToolType { return types.ToolTypeFunction }

// RegisterFunc binds a handler under the given name.
func (b *FunctionBackend) RegisterFunc(name string, fn FunctionHandler) error {
	if name == "" {
		return types.NewError(types.ErrValidation, "function name is required")
	}
	if fn == nil {
		return types.NewError(types.ErrValidation, "function handler is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[name]; exists {
		return types.NewErrorf(types.ErrValidation, "function %s already registered", name)
	}
	b.handlers[name] = fn
	b.logger.Debug("function handler registered", zap.String("function", name))
	return nil
}

func (b *FunctionBackend) Invoke(ctx context.Context, def *types.ToolDefinition, input map[string]any, scope types.CallScope) (any, error) {
	name := def.Name
	if v, ok := def.Config["function"].(string); ok && v != "" {
		name = v
	}

	b.mu.RLock()
	fn, ok := b.handlers[name]
	b.mu.RUnlock()

	if !ok {
		return nil, types.NewErrorf(types.ErrBackend, "function %s not bound", name)
	}
	return fn(ctx, input)
}

// ====== 实现：RESTBackend ======

// RESTBackend invokes HTTP endpoints described by the tool config.
// Config keys: "url" (required), "method" (default POST), "headers".
// {name} segments in the url are filled from matching input keys, which
// are then consumed. GET and DELETE requests encode the remaining input
// as query parameters, other methods send it as a JSON body.
type RESTBackend struct {
	client *http.Client
	logger *zap.Logger
}

// NewRESTBackend 创建 HTTP 工具后端；client 为 nil 时使用默认客户端，超时由调用方 context 控制。
func NewRESTBackend(client *http.Client, logger *zap.Logger) *RESTBackend {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTBackend{
		client: client,
		logger: logger.With(zap.String("component", "rest_backend")),
	}
}

func (b *RESTBackend) Type() types.ToolType { return types.ToolTypeREST }

func (b *RESTBackend) Invoke(ctx context.Context, def *types.ToolDefinition, input map[string]any, scope types.CallScope) (any, error) {
	endpoint, _ := def.Config["url"].(string)
	if endpoint == "" {
		return nil, types.NewErrorf(types.ErrValidation, "tool %s has no url configured", def.ID)
	}

	method := http.MethodPost
	if v, ok := def.Config["method"].(string); ok && v != "" {
		method = strings.ToUpper(v)
	}

	endpoint, input = expandPathParams(endpoint, input)

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, types.NewErrorf(types.ErrValidation, "invalid url %q: %v", endpoint, err)
		}
		q := u.Query()
		for k, v := range input {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	default:
		payload, err := json.Marshal(input)
		if err != nil {
			return nil, types.NewErrorf(types.ErrValidation, "marshal request body: %v", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, types.NewErrorf(types.ErrValidation, "build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := def.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if scope.RunID != "" {
		req.Header.Set("X-Run-ID", scope.RunID)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, types.NewErrorf(types.ErrBackend, "request failed: %v", err).WithRetryable(true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewErrorf(types.ErrBackend, "read response: %v", err).WithRetryable(true)
	}

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, raw, def.ID)
	}

	var out any
	if len(raw) == 0 {
		return map[string]any{"status": resp.StatusCode}, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		// 非 JSON 响应按原文返回
		return map[string]any{"status": resp.StatusCode, "body": string(raw)}, nil
	}
	return out, nil
}

// expandPathParams fills {name} segments in the endpoint from matching
// input keys and drops the consumed keys, so they are not repeated as
// query parameters or body fields.
func expandPathParams(endpoint string, input map[string]any) (string, map[string]any) {
	if !strings.Contains(endpoint, "{") {
		return endpoint, input
	}
	rest := make(map[string]any, len(input))
	for k, v := range input {
		placeholder := "{" + k + "}"
		if strings.Contains(endpoint, placeholder) {
			endpoint = strings.ReplaceAll(endpoint, placeholder, url.PathEscape(fmt.Sprintf("%v", v)))
			continue
		}
		rest[k] = v
	}
	return endpoint, rest
}

// mapHTTPError 将 HTTP 状态码映射为结构化错误；429 与 5xx 可重试。
func mapHTTPError(status int, body []byte, toolID string) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	e := types.NewErrorf(types.ErrBackend, "tool %s: status=%d msg=%s", toolID, status, msg)
	if status == http.StatusTooManyRequests || status >= 500 {
		return e.WithRetryable(true)
	}
	return e
}

// ====== 实现：RetrievalBackend ======

// Document is one retrieval hit.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Retriever defines the search backend interface.
// Implementations can wrap vector stores, keyword indexes or external services.
type Retriever interface {
	// Search returns up to topK documents ranked by relevance.
	Search(ctx context.Context, query string, topK int) ([]Document, error)
	// Name returns the retriever name.
	Name() string
}

// RetrievalBackend serves retrieval tools through a pluggable Retriever.
// Input key "query" is required; config "top_k" bounds the result count.
type RetrievalBackend struct {
	retriever Retriever
	logger    *zap.Logger
}

// NewRetrievalBackend 创建检索工具后端。
func NewRetrievalBackend(retriever Retriever, logger *zap.Logger) *RetrievalBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetrievalBackend{
		retriever: retriever,
		logger:    logger.With(zap.String("component", "retrieval_backend")),
	}
}

func (b *RetrievalBackend) Type() types.ToolType { return types.ToolTypeRetrieval }

func (b *RetrievalBackend) Invoke(ctx context.Context, def *types.ToolDefinition, input map[string]any, scope types.CallScope) (any, error) {
	if b.retriever == nil {
		return nil, types.NewError(types.ErrBackend, "retriever not configured")
	}

	query, _ := input["query"].(string)
	if query == "" {
		return nil, types.NewError(types.ErrValidation, "query is required")
	}

	topK := 5
	if v, ok := def.Config["top_k"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			topK = n
		}
	}
	if v, ok := input["top_k"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			topK = n
		}
	}

	docs, err := b.retriever.Search(ctx, query, topK)
	if err != nil {
		return nil, types.NewErrorf(types.ErrBackend, "search failed: %v", err).WithRetryable(true)
	}

	return map[string]any{
		"query":     query,
		"documents": docs,
		"count":     len(docs),
	}, nil
}

// StaticRetriever is an in-memory keyword retriever, useful for
// small corpora and tests.
type StaticRetriever struct {
	docs []Document
}

// NewStaticRetriever 创建基于关键词重叠评分的内存检索器。
func NewStaticRetriever(docs []Document) *StaticRetriever {
	return &StaticRetriever{docs: docs}
}

func (r *StaticRetriever) Name() string { return "static" }

func (r *StaticRetriever) Search(_ context.Context, query string, topK int) ([]Document, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	scored := make([]Document, 0, len(r.docs))
	for _, doc := range r.docs {
		content := strings.ToLower(doc.Content)
		score := 0.0
		for _, term := range terms {
			score += float64(strings.Count(content, term))
		}
		if score > 0 {
			d := doc
			d.Score = score
			scored = append(scored, d)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// ====== 实现：BrowserBackend ======

// PageResult represents a fetched page.
type PageResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Status  int    `json:"status"`
}

// BrowserDriver defines the page fetching interface.
// Implementations can wrap headless browsers or plain HTTP fetchers.
type BrowserDriver interface {
	// Fetch loads the page at url and returns its content.
	Fetch(ctx context.Context, url string) (*PageResult, error)
	// Name returns the driver name.
	Name() string
}

// BrowserBackend serves browser tools through a pluggable driver.
// Input key "url" is required.
type BrowserBackend struct {
	driver BrowserDriver
	logger *zap.Logger
}

// NewBrowserBackend 创建浏览器工具后端。
func NewBrowserBackend(driver BrowserDriver, logger *zap.Logger) *BrowserBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrowserBackend{
		driver: driver,
		logger: logger.With(zap.String("component", "browser_backend")),
	}
}

func (b *BrowserBackend) Type() types.ToolType { return types.ToolTypeBrowser }

func (b *BrowserBackend) Invoke(ctx context.Context, def *types.ToolDefinition, input map[string]any, scope types.CallScope) (any, error) {
	if b.driver == nil {
		return nil, types.NewError(types.ErrBackend, "browser driver not configured")
	}

	target, _ := input["url"].(string)
	if target == "" {
		return nil, types.NewError(types.ErrValidation, "url is required")
	}

	page, err := b.driver.Fetch(ctx, target)
	if err != nil {
		return nil, types.NewErrorf(types.ErrBackend, "fetch failed: %v", err).WithRetryable(true)
	}

	return map[string]any{
		"url":     page.URL,
		"title":   page.Title,
		"content": page.Content,
		"status":  page.Status,
	}, nil
}

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// HTTPBrowserDriver fetches pages over plain HTTP without script execution.
type HTTPBrowserDriver struct {
	client *http.Client
}

// NewHTTPBrowserDriver 创建基于 net/http 的页面抓取驱动。
func NewHTTPBrowserDriver(client *http.Client) *HTTPBrowserDriver {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBrowserDriver{client: client}
}

func (d *HTTPBrowserDriver) Name() string { return "http" }

func (d *HTTPBrowserDriver) Fetch(ctx context.Context, target string) (*PageResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}

	title := ""
	if m := titlePattern.FindSubmatch(raw); len(m) == 2 {
		title = strings.TrimSpace(string(m[1]))
	}

	return &PageResult{
		URL:     target,
		Title:   title,
		Content: string(raw),
		Status:  resp.StatusCode,
	}, nil
}

// ====== 实现：DatabaseBackend ======

// DatabaseBackend runs parameterized SQL through GORM.
// Config keys: "query" (required, named @param placeholders bound from
// the input map) and "exec" (true forces Exec instead of row scan).
type DatabaseBackend struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDatabaseBackend 创建数据库工具后端。
func NewDatabaseBackend(db *gorm.DB, logger *zap.Logger) *DatabaseBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseBackend{
		db:     db,
		logger: logger.With(zap.String("component", "database_backend")),
	}
}

func (b *DatabaseBackend) Type() types.ToolType { return types.ToolTypeDatabase }

func (b *DatabaseBackend) Invoke(ctx context.Context, def *types.ToolDefinition, input map[string]any, scope types.CallScope) (any, error) {
	if b.db == nil {
		return nil, types.NewError(types.ErrBackend, "database not configured")
	}

	query, _ := def.Config["query"].(string)
	if query == "" {
		return nil, types.NewErrorf(types.ErrValidation, "tool %s has no query configured", def.ID)
	}

	exec, _ := def.Config["exec"].(bool)
	if !exec {
		head := strings.ToLower(strings.TrimSpace(query))
		exec = !strings.HasPrefix(head, "select") && !strings.HasPrefix(head, "with")
	}

	session := b.db.WithContext(ctx)
	args := map[string]any(input)
	if args == nil {
		args = map[string]any{}
	}

	if exec {
		result := session.Exec(query, args)
		if result.Error != nil {
			return nil, types.NewErrorf(types.ErrBackend, "exec failed: %v", result.Error).WithRetryable(true)
		}
		return map[string]any{"rows_affected": result.RowsAffected}, nil
	}

	var rows []map[string]any
	if err := session.Raw(query, args).Scan(&rows).Error; err != nil {
		return nil, types.NewErrorf(types.ErrBackend, "query failed: %v", err).WithRetryable(true)
	}
	return map[string]any{
		"rows":  rows,
		"count": len(rows),
	}, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}
