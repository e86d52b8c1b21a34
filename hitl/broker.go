package hitl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowsmith/flowsmith/types"
)

// RequestKind 定义了人工输入请求的类型。
type RequestKind string

const (
	KindApproval RequestKind = "approval"
	KindInput    RequestKind = "input"
	KindReview   RequestKind = "review"
)

// RequestStatus 代表请求状态。
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusResolved  RequestStatus = "resolved"
	StatusRejected  RequestStatus = "rejected"
	StatusTimeout   RequestStatus = "timeout"
	StatusCancelled RequestStatus = "cancelled"
)

// InputRequest 代表一次挂起的人工输入请求。
type InputRequest struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	Kind        RequestKind       `json:"kind"`
	Status      RequestStatus     `json:"status"`
	Prompt      string            `json:"prompt"`
	Description string            `json:"description,omitempty"`
	Data        any               `json:"data,omitempty"`
	Options     []Option          `json:"options,omitempty"`
	InputSchema *types.JSONSchema `json:"input_schema,omitempty"`
	Response    *Response         `json:"response,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Option 是审批类请求的可选项。
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	IsDefault   bool   `json:"is_default,omitempty"`
}

// Response 代表人工对请求的响应。
type Response struct {
	OptionID  string         `json:"option_id,omitempty"`
	Input     any            `json:"input,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Approved  bool           `json:"approved"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RequestStore 定义了请求的存储接口。
type RequestStore interface {
	Save(ctx context.Context, req *InputRequest) error
	Load(ctx context.Context, requestID string) (*InputRequest, error)
	ListByRun(ctx context.Context, runID string, status RequestStatus) ([]*InputRequest, error)
	Update(ctx context.Context, req *InputRequest) error
}

// RequestHandler 处理新建请求事件，用于对接通知渠道。
type RequestHandler func(ctx context.Context, req *InputRequest) error

// RequestOptions 配置请求创建。
type RequestOptions struct {
	RunID       string
	NodeID      string
	Kind        RequestKind
	Prompt      string
	Description string
	Data        any
	Options     []Option
	InputSchema *types.JSONSchema
	Timeout     time.Duration
	Metadata    map[string]any
}

// DefaultRequestTimeout 未配置超时时的默认等待时长
const DefaultRequestTimeout = 5 * time.Minute

// Broker 管理挂起中的人工输入请求。
// 每个 (runID, nodeID) 最多允许一个挂起请求。
type Broker struct {
	store    RequestStore
	logger   *zap.Logger
	handlers map[RequestKind][]RequestHandler
	pending  map[string]*pendingRequest // key: runID + "/" + nodeID
	mu       sync.RWMutex
}

type pendingRequest struct {
	request    *InputRequest
	responseCh chan *Response
	cancelFn   context.CancelFunc
}

func pendingKey(runID, nodeID string) string {
	return runID + "/" + nodeID
}

// NewBroker 创建人工输入代理。
func NewBroker(store RequestStore, logger *zap.Logger) *Broker {
	if store == nil {
		store = NewInMemoryRequestStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		store:    store,
		logger:   logger.With(zap.String("component", "hitl_broker")),
		handlers: make(map[RequestKind][]RequestHandler),
		pending:  make(map[string]*pendingRequest),
	}
}

// RegisterHandler 为请求类型登记通知处理器。
func (b *Broker) RegisterHandler(kind RequestKind, handler RequestHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// Await 创建请求并阻塞等待响应、超时或取消。
// 超时返回 HUMAN_INPUT_TIMEOUT；父 context 取消返回 CANCELLED。
func (b *Broker) Await(ctx context.Context, opts RequestOptions) (*Response, error) {
	if opts.RunID == "" || opts.NodeID == "" {
		return nil, types.NewError(types.ErrValidation, "run id and node id are required")
	}

	req := &InputRequest{
		ID:          uuid.NewString(),
		RunID:       opts.RunID,
		NodeID:      opts.NodeID,
		Kind:        opts.Kind,
		Status:      StatusPending,
		Prompt:      opts.Prompt,
		Description: opts.Description,
		Data:        opts.Data,
		Options:     opts.Options,
		InputSchema: opts.InputSchema,
		CreatedAt:   time.Now(),
		Timeout:     opts.Timeout,
		Metadata:    opts.Metadata,
	}
	if req.Kind == "" {
		req.Kind = KindInput
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultRequestTimeout
	}

	key := pendingKey(req.RunID, req.NodeID)

	waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	pending := &pendingRequest{
		request:    req,
		responseCh: make(chan *Response, 1),
		cancelFn:   cancel,
	}

	b.mu.Lock()
	if _, exists := b.pending[key]; exists {
		b.mu.Unlock()
		cancel()
		return nil, types.NewErrorf(types.ErrValidation,
			"node %s of run %s already has a pending request", req.NodeID, req.RunID)
	}
	b.pending[key] = pending
	b.mu.Unlock()

	if err := b.store.Save(ctx, req); err != nil {
		b.remove(key)
		cancel()
		return nil, types.NewErrorf(types.ErrInternalError, "save request: %v", err)
	}

	b.logger.Info("human input requested",
		zap.String("request_id", req.ID),
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.String("kind", string(req.Kind)),
		zap.Duration("timeout", req.Timeout))

	b.notifyHandlers(ctx, req)

	// 响应与超时/取消之间的竞争在这里决出
	select {
	case response := <-pending.responseCh:
		if response == nil {
			return nil, types.NewErrorf(types.ErrCancelled,
				"human input request %s cancelled", req.ID)
		}
		return response, nil

	case <-waitCtx.Done():
		// 响应可能与定时器同时到达，最后排空一次让响应获胜
		select {
		case response := <-pending.responseCh:
			if response != nil {
				return response, nil
			}
			return nil, types.NewErrorf(types.ErrCancelled,
				"human input request %s cancelled", req.ID)
		default:
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			b.markTerminal(req, key, StatusCancelled)
			return nil, types.NewErrorf(types.ErrCancelled,
				"run %s cancelled while waiting for input at node %s", req.RunID, req.NodeID)
		}
		b.markTerminal(req, key, StatusTimeout)
		return nil, types.NewErrorf(types.ErrHumanInputTimeout,
			"human input at node %s timed out after %v", req.NodeID, req.Timeout)
	}
}

// Resolve 按 (runID, nodeID) 提交响应。
// 提交的输入先经请求的 schema 校验，不合格的提交被拒绝且请求保持挂起，
// 人工可以再次提交。
func (b *Broker) Resolve(ctx context.Context, runID, nodeID string, response *Response) error {
	if response == nil {
		return types.NewError(types.ErrValidation, "response is nil")
	}

	key := pendingKey(runID, nodeID)

	b.mu.RLock()
	pending, ok := b.pending[key]
	b.mu.RUnlock()
	if !ok {
		return types.NewErrorf(types.ErrNotFound,
			"no pending request for node %s of run %s", nodeID, runID)
	}

	req := pending.request
	if req.InputSchema != nil {
		if violations := req.InputSchema.Validate(response.Input); len(violations) > 0 {
			return types.NewErrorf(types.ErrSchemaMismatch,
				"input rejected: %s", violations[0].String())
		}
	}

	b.mu.Lock()
	if _, still := b.pending[key]; !still {
		b.mu.Unlock()
		return types.NewErrorf(types.ErrNotFound,
			"request for node %s of run %s already settled", nodeID, runID)
	}
	delete(b.pending, key)
	b.mu.Unlock()

	now := time.Now()
	response.Timestamp = now
	req.Response = response
	req.ResolvedAt = &now
	req.Status = StatusResolved
	if req.Kind == KindApproval && !response.Approved {
		req.Status = StatusRejected
	}

	if err := b.store.Update(ctx, req); err != nil {
		b.logger.Warn("failed to persist resolved request",
			zap.String("request_id", req.ID), zap.Error(err))
	}

	b.logger.Info("human input resolved",
		zap.String("request_id", req.ID),
		zap.String("run_id", runID),
		zap.String("node_id", nodeID),
		zap.Bool("approved", response.Approved))

	select {
	case pending.responseCh <- response:
	default:
	}
	pending.cancelFn()
	return nil
}

// Cancel 取消单个节点的挂起请求。
func (b *Broker) Cancel(ctx context.Context, runID, nodeID string) error {
	key := pendingKey(runID, nodeID)

	b.mu.Lock()
	pending, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return types.NewErrorf(types.ErrNotFound,
			"no pending request for node %s of run %s", nodeID, runID)
	}
	delete(b.pending, key)
	b.mu.Unlock()

	b.settleCancelled(ctx, pending)
	return nil
}

// CancelRun 取消一个运行的全部挂起请求，返回取消数量。
func (b *Broker) CancelRun(ctx context.Context, runID string) int {
	b.mu.Lock()
	var cancelled []*pendingRequest
	for key, pending := range b.pending {
		if pending.request.RunID == runID {
			cancelled = append(cancelled, pending)
			delete(b.pending, key)
		}
	}
	b.mu.Unlock()

	for _, pending := range cancelled {
		b.settleCancelled(ctx, pending)
	}
	return len(cancelled)
}

// Pending 返回运行的挂起请求；runID 为空时返回全部。
func (b *Broker) Pending(runID string) []*InputRequest {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var results []*InputRequest
	for _, pending := range b.pending {
		if runID == "" || pending.request.RunID == runID {
			results = append(results, pending.request)
		}
	}
	return results
}

func (b *Broker) settleCancelled(ctx context.Context, pending *pendingRequest) {
	req := pending.request
	req.Status = StatusCancelled
	now := time.Now()
	req.ResolvedAt = &now

	if err := b.store.Update(ctx, req); err != nil {
		b.logger.Warn("failed to persist cancelled request",
			zap.String("request_id", req.ID), zap.Error(err))
	}

	// nil 响应通知等待方请求已取消
	select {
	case pending.responseCh <- nil:
	default:
	}
	pending.cancelFn()

	b.logger.Info("human input request cancelled",
		zap.String("request_id", req.ID),
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID))
}

// markTerminal 等待方超时或被取消后的收尾。
func (b *Broker) markTerminal(req *InputRequest, key string, status RequestStatus) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()

	req.Status = status
	now := time.Now()
	req.ResolvedAt = &now

	if err := b.store.Update(context.Background(), req); err != nil {
		b.logger.Warn("failed to persist terminal request",
			zap.String("request_id", req.ID), zap.Error(err))
	}

	b.logger.Warn("human input request ended without response",
		zap.String("request_id", req.ID),
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.String("status", string(status)))
}

func (b *Broker) remove(key string) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
}

func (b *Broker) notifyHandlers(ctx context.Context, req *InputRequest) {
	b.mu.RLock()
	handlers := b.handlers[req.Kind]
	b.mu.RUnlock()

	for _, handler := range handlers {
		go func(h RequestHandler) {
			if err := h(ctx, req); err != nil {
				b.logger.Error("request handler error", zap.Error(err))
			}
		}(handler)
	}
}

// InMemoryRequestStore 为请求提供内存存储。
type InMemoryRequestStore struct {
	requests map[string]*InputRequest
	mu       sync.RWMutex
}

// NewInMemoryRequestStore 创建内存请求存储。
func NewInMemoryRequestStore() *InMemoryRequestStore {
	return &InMemoryRequestStore{
		requests: make(map[string]*InputRequest),
	}
}

func (s *InMemoryRequestStore) Save(_ context.Context, req *InputRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

func (s *InMemoryRequestStore) Load(_ context.Context, requestID string) (*InputRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "request not found: %s", requestID)
	}
	return req, nil
}

func (s *InMemoryRequestStore) ListByRun(_ context.Context, runID string, status RequestStatus) ([]*InputRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*InputRequest
	for _, req := range s.requests {
		if (runID == "" || req.RunID == runID) &&
			(status == "" || req.Status == status) {
			results = append(results, req)
		}
	}
	return results, nil
}

func (s *InMemoryRequestStore) Update(_ context.Context, req *InputRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}
