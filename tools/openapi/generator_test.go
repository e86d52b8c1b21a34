package openapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowsmith/flowsmith/tools"
	"github.com/flowsmith/flowsmith/tools/openapi"
	"github.com/flowsmith/flowsmith/types"
)

const petstoreJSON = `{
  "openapi": "3.0.3",
  "info": {"title": "Petstore", "version": "1.2.0"},
  "servers": [{"url": "https://petstore.example.com/v1"}],
  "paths": {
    "/pets/{petId}": {
      "get": {
        "operationId": "getPet",
        "summary": "Fetch a pet by id",
        "tags": ["pets"],
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "integer"}},
          {"name": "verbose", "in": "query", "description": "Include audit fields", "schema": {"type": "boolean"}}
        ]
      }
    },
    "/pets": {
      "post": {
        "operationId": "createPet",
        "summary": "Create a pet",
        "tags": ["pets"],
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {
                "type": "object",
                "properties": {
                  "name": {"type": "string"},
                  "tag": {"type": "string"}
                },
                "required": ["name"]
              }
            }
          }
        }
      }
    },
    "/admin/stats": {
      "get": {
        "tags": ["admin"],
        "description": "Aggregated counters"
      }
    }
  }
}`

const petstoreYAML = `openapi: "3.0.3"
info:
  title: Petstore
  version: "1.2.0"
servers:
  - url: https://petstore.example.com/v1
paths:
  /pets/{petId}:
    get:
      operationId: getPet
      parameters:
        - name: petId
          in: path
          required: true
          schema:
            type: integer
`

func TestParseDocument_JSON(t *testing.T) {
	doc, err := openapi.ParseDocument([]byte(petstoreJSON))
	require.NoError(t, err)

	assert.Equal(t, "Petstore", doc.Info.Title)
	assert.Equal(t, "1.2.0", doc.Info.Version)
	assert.Len(t, doc.Paths, 3)
	require.Len(t, doc.Servers, 1)
	assert.Equal(t, "https://petstore.example.com/v1", doc.Servers[0].URL)
}

func TestParseDocument_YAML(t *testing.T) {
	doc, err := openapi.ParseDocument([]byte(petstoreYAML))
	require.NoError(t, err)

	item, ok := doc.Paths["/pets/{petId}"]
	require.True(t, ok)
	require.NotNil(t, item.Get)
	// camelCase 键经 JSON 归一化后正确落位
	assert.Equal(t, "getPet", item.Get.OperationID)
	require.Len(t, item.Get.Parameters, 1)
	assert.Equal(t, types.SchemaTypeInteger, item.Get.Parameters[0].Schema.Type)
}

func TestParseDocument_Errors(t *testing.T) {
	_, err := openapi.ParseDocument([]byte(`{"openapi": "3.0.3"`))
	require.Error(t, err)

	_, err = openapi.ParseDocument([]byte(`{"openapi": "3.0.3", "info": {"title": "empty"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no paths")
}

func TestLoadDocument_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petstore.json")
	require.NoError(t, os.WriteFile(path, []byte(petstoreJSON), 0o600))

	gen := openapi.NewGenerator(openapi.GeneratorConfig{}, zap.NewNop())
	doc, err := gen.LoadDocument(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Petstore", doc.Info.Title)

	// 二次加载走缓存，源文件删除也不影响
	require.NoError(t, os.Remove(path))
	again, err := gen.LoadDocument(context.Background(), path)
	require.NoError(t, err)
	assert.Same(t, doc, again)
}

func TestLoadDocument_HTTP(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path == "/missing.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(petstoreJSON))
	}))
	defer server.Close()

	gen := openapi.NewGenerator(openapi.GeneratorConfig{Client: server.Client()}, zap.NewNop())

	doc, err := gen.LoadDocument(context.Background(), server.URL+"/openapi.json")
	require.NoError(t, err)
	assert.Equal(t, "Petstore", doc.Info.Title)

	_, err = gen.LoadDocument(context.Background(), server.URL+"/openapi.json")
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "cached document is not refetched")

	_, err = gen.LoadDocument(context.Background(), server.URL+"/missing.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestGenerateTools(t *testing.T) {
	doc, err := openapi.ParseDocument([]byte(petstoreJSON))
	require.NoError(t, err)

	gen := openapi.NewGenerator(openapi.GeneratorConfig{}, zap.NewNop())
	defs, err := gen.GenerateTools(doc, openapi.Options{Prefix: "petstore."})
	require.NoError(t, err)
	require.Len(t, defs, 3)

	// 路径排序决定输出顺序
	assert.Equal(t, "petstore.get_admin_stats", defs[0].ID)
	assert.Equal(t, "petstore.createPet", defs[1].ID)
	assert.Equal(t, "petstore.getPet", defs[2].ID)

	get := defs[2]
	assert.Equal(t, types.ToolTypeREST, get.Type)
	assert.True(t, get.Active)
	assert.Equal(t, "Fetch a pet by id", get.Description)
	assert.Equal(t, "https://petstore.example.com/v1/pets/{petId}", get.Config["url"])
	assert.Equal(t, http.MethodGet, get.Config["method"])
	require.NotNil(t, get.InputSchema)
	assert.Equal(t, []string{"petId"}, get.InputSchema.Required)
	require.Contains(t, get.InputSchema.Properties, "verbose")
	assert.Equal(t, "Include audit fields", get.InputSchema.Properties["verbose"].Description)

	// 请求体属性平铺，必填字段提升
	post := defs[1]
	assert.Equal(t, http.MethodPost, post.Config["method"])
	assert.Contains(t, post.InputSchema.Properties, "name")
	assert.Contains(t, post.InputSchema.Properties, "tag")
	assert.Equal(t, []string{"name"}, post.InputSchema.Required)

	// 无 operationId 时从方法和路径合成名称
	stats := defs[0]
	assert.Equal(t, "get_admin_stats", stats.Name)
	assert.Equal(t, "Aggregated counters", stats.Description)
}

func TestGenerateTools_TagFilter(t *testing.T) {
	doc, err := openapi.ParseDocument([]byte(petstoreJSON))
	require.NoError(t, err)

	gen := openapi.NewGenerator(openapi.GeneratorConfig{}, zap.NewNop())

	defs, err := gen.GenerateTools(doc, openapi.Options{IncludeTags: []string{"pets"}})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	for _, def := range defs {
		assert.NotEqual(t, "get_admin_stats", def.Name)
	}

	defs, err = gen.GenerateTools(doc, openapi.Options{ExcludeTags: []string{"admin"}})
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

func TestGenerateTools_BaseURL(t *testing.T) {
	doc, err := openapi.ParseDocument([]byte(petstoreYAML))
	require.NoError(t, err)

	gen := openapi.NewGenerator(openapi.GeneratorConfig{}, zap.NewNop())

	defs, err := gen.GenerateTools(doc, openapi.Options{BaseURL: "http://localhost:9000/api/"})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "http://localhost:9000/api/pets/{petId}", defs[0].Config["url"])

	doc.Servers = nil
	_, err = gen.GenerateTools(doc, openapi.Options{})
	require.Error(t, err)
}

// TestGeneratedToolInvocation drives a generated definition through the
// REST backend: path params land in the URL, the rest in the query.
func TestGeneratedToolInvocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/pets/7", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("verbose"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 7, "name": "rex"}`))
	}))
	defer server.Close()

	doc, err := openapi.ParseDocument([]byte(petstoreJSON))
	require.NoError(t, err)

	gen := openapi.NewGenerator(openapi.GeneratorConfig{}, zap.NewNop())
	defs, err := gen.GenerateTools(doc, openapi.Options{BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	var getPet *types.ToolDefinition
	for _, def := range defs {
		if def.Name == "getPet" {
			getPet = def
		}
	}
	require.NotNil(t, getPet)

	backend := tools.NewRESTBackend(server.Client(), zap.NewNop())
	out, err := backend.Invoke(context.Background(), getPet, map[string]any{
		"petId":   7,
		"verbose": true,
	}, types.CallScope{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(7), "name": "rex"}, out)
}
