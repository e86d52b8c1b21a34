package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/flowsmith/flowsmith/internal/tlsutil"
	"github.com/flowsmith/flowsmith/types"
)

// Document is a parsed OpenAPI 3.x document, reduced to the parts the
// generator consumes.
type Document struct {
	OpenAPI string              `json:"openapi"`
	Info    Info                `json:"info"`
	Servers []Server            `json:"servers,omitempty"`
	Paths   map[string]PathItem `json:"paths"`
}

// Info carries API metadata.
type Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

// Server is one API server entry.
type Server struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// PathItem holds the operations declared on a path.
type PathItem struct {
	Get    *Operation `json:"get,omitempty"`
	Post   *Operation `json:"post,omitempty"`
	Put    *Operation `json:"put,omitempty"`
	Delete *Operation `json:"delete,omitempty"`
	Patch  *Operation `json:"patch,omitempty"`
}

// Operation is one API operation.
type Operation struct {
	OperationID string       `json:"operationId,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	Description string       `json:"description,omitempty"`
	Parameters  []Parameter  `json:"parameters,omitempty"`
	RequestBody *RequestBody `json:"requestBody,omitempty"`
	Responses   Responses    `json:"responses,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
}

// Parameter is one operation parameter.
type Parameter struct {
	Name        string            `json:"name"`
	In          string            `json:"in"` // one of query, path, header, cookie
	Description string            `json:"description,omitempty"`
	Required    bool              `json:"required,omitempty"`
	Schema      *types.JSONSchema `json:"schema,omitempty"`
}

// RequestBody describes an operation's request payload.
type RequestBody struct {
	Description string               `json:"description,omitempty"`
	Required    bool                 `json:"required,omitempty"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// MediaType binds a content type to its schema.
type MediaType struct {
	Schema *types.JSONSchema `json:"schema,omitempty"`
}

// Responses maps status codes to response descriptions.
type Responses map[string]Response

// Response is one declared response.
type Response struct {
	Description string               `json:"description,omitempty"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// defaultFetchTimeout bounds document fetches when the config leaves
// Timeout at zero.
const defaultFetchTimeout = 30 * time.Second

// Generator imports REST tool definitions from OpenAPI documents.
// Loaded documents are cached by source.
type Generator struct {
	client *http.Client
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Document
}

// GeneratorConfig tunes document fetching and conversion.
type GeneratorConfig struct {
	// Timeout bounds document fetches. Zero means 30 seconds.
	Timeout time.Duration
	// Client overrides the default hardened HTTP client.
	Client *http.Client
}

// NewGenerator 创建 OpenAPI 工具生成器。
func NewGenerator(config GeneratorConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}
	client := config.Client
	if client == nil {
		client = tlsutil.SecureHTTPClient(timeout)
	}
	return &Generator{
		client: client,
		logger: logger.With(zap.String("component", "openapi_generator")),
		cache:  make(map[string]*Document),
	}
}

// LoadDocument loads an OpenAPI document from a URL or file path.
// JSON and YAML are both accepted.
func (g *Generator) LoadDocument(ctx context.Context, source string) (*Document, error) {
	g.mu.RLock()
	if doc, ok := g.cache[source]; ok {
		g.mu.RUnlock()
		return doc, nil
	}
	g.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		data, err = g.fetch(ctx, source)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", source, err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parse document %s: %w", source, err)
	}

	g.mu.Lock()
	g.cache[source] = doc
	g.mu.Unlock()

	g.logger.Info("loaded OpenAPI document",
		zap.String("title", doc.Info.Title),
		zap.String("version", doc.Info.Version),
		zap.Int("paths", len(doc.Paths)),
	)
	return doc, nil
}

// ParseDocument decodes a JSON or YAML OpenAPI document. YAML input is
// normalized through JSON so both formats share one set of struct tags.
func ParseDocument(data []byte) (*Document, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("{")) {
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		normalized, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("normalize yaml: %w", err)
		}
		data = normalized
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if len(doc.Paths) == 0 {
		return nil, fmt.Errorf("document declares no paths")
	}
	return &doc, nil
}

func (g *Generator) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Options filters and adjusts tool generation.
type Options struct {
	// BaseURL overrides the document's first server URL.
	BaseURL string
	// IncludeTags keeps only operations carrying at least one listed tag.
	IncludeTags []string
	// ExcludeTags drops operations carrying any listed tag.
	ExcludeTags []string
	// Prefix is prepended to generated tool IDs.
	Prefix string
	// Timeout is recorded on each generated definition.
	Timeout time.Duration
}

// GenerateTools turns every operation in the document into a REST tool
// definition, in deterministic path order. The endpoint keeps its
// {param} placeholders; the REST backend fills them at call time.
func (g *Generator) GenerateTools(doc *Document, opts Options) ([]*types.ToolDefinition, error) {
	baseURL := opts.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("document declares no servers and no BaseURL given")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	paths := make([]string, 0, len(doc.Paths))
	for path := range doc.Paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var defs []*types.ToolDefinition
	for _, path := range paths {
		item := doc.Paths[path]
		for _, entry := range []struct {
			method string
			op     *Operation
		}{
			{http.MethodGet, item.Get},
			{http.MethodPost, item.Post},
			{http.MethodPut, item.Put},
			{http.MethodPatch, item.Patch},
			{http.MethodDelete, item.Delete},
		} {
			if entry.op == nil {
				continue
			}
			if len(opts.IncludeTags) > 0 && !hasAnyTag(entry.op.Tags, opts.IncludeTags) {
				continue
			}
			if len(opts.ExcludeTags) > 0 && hasAnyTag(entry.op.Tags, opts.ExcludeTags) {
				continue
			}
			defs = append(defs, g.operationTool(path, entry.method, entry.op, baseURL, opts))
		}
	}

	g.logger.Info("generated tool definitions",
		zap.String("title", doc.Info.Title),
		zap.Int("count", len(defs)),
	)
	return defs, nil
}

func (g *Generator) operationTool(path, method string, op *Operation, baseURL string, opts Options) *types.ToolDefinition {
	name := op.OperationID
	if name == "" {
		name = strings.ToLower(method) + "_" + sanitizePath(path)
	}

	description := op.Summary
	if description == "" {
		description = op.Description
	}
	if description == "" {
		description = method + " " + path
	}

	schema := types.NewObjectSchema()
	for _, param := range op.Parameters {
		prop := param.Schema
		if prop == nil {
			prop = types.NewStringSchema()
		}
		if prop.Description == "" && param.Description != "" {
			clone := *prop
			clone.Description = param.Description
			prop = &clone
		}
		schema.AddProperty(param.Name, prop)
		if param.Required {
			addRequired(schema, param.Name)
		}
	}

	// 请求体属性平铺进输入 Schema：REST 后端把整个输入作为 JSON 请求体发送
	if op.RequestBody != nil {
		if content, ok := op.RequestBody.Content["application/json"]; ok && content.Schema != nil {
			body := content.Schema
			if body.Type == types.SchemaTypeObject || len(body.Properties) > 0 {
				for propName, prop := range body.Properties {
					if _, exists := schema.Properties[propName]; exists {
						continue
					}
					schema.AddProperty(propName, prop)
				}
				for _, required := range body.Required {
					if op.RequestBody.Required {
						addRequired(schema, required)
					}
				}
			} else {
				g.logger.Debug("skipping non-object request body",
					zap.String("operation", name), zap.String("type", string(body.Type)))
			}
		}
	}

	return &types.ToolDefinition{
		ID:          opts.Prefix + name,
		Name:        name,
		Description: description,
		Type:        types.ToolTypeREST,
		Active:      true,
		InputSchema: schema,
		Config: map[string]any{
			"url":    baseURL + path,
			"method": method,
		},
		Timeout: opts.Timeout,
	}
}

func addRequired(schema *types.JSONSchema, name string) {
	for _, existing := range schema.Required {
		if existing == name {
			return
		}
	}
	schema.Required = append(schema.Required, name)
}

func hasAnyTag(tags, targets []string) bool {
	tagSet := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tagSet[tag] = true
	}
	for _, target := range targets {
		if tagSet[target] {
			return true
		}
	}
	return false
}

func sanitizePath(path string) string {
	path = strings.ReplaceAll(path, "/", "_")
	path = strings.ReplaceAll(path, "{", "")
	path = strings.ReplaceAll(path, "}", "")
	return strings.Trim(path, "_")
}
