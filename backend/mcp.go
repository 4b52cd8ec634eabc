package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/basestate/runid/envelope"
)

// AISession identifies the agent connection behind MCP tool calls. Every
// mutation made through these tools is attributed to an AI actor carrying
// this session id and model identifier, which is what lets follow-mode
// and the provenance feed distinguish agent work from the human's.
type AISession struct {
	ID    string
	Model string
}

func (a AISession) actor() envelope.Actor {
	return envelope.AI(a.ID, a.Model)
}

// RegisterMCP registers the collection tools on an MCP server.
func (s *Store) RegisterMCP(srv *mcp.Server, session AISession) {
	s.registerListCollectionsTool(srv)
	s.registerCreateCollectionTool(srv, session)
	s.registerDeleteCollectionTool(srv, session)
	s.registerImportCollectionTool(srv, session)
	s.registerAddRequestTool(srv, session)
	s.registerUpdateRequestTool(srv, session)
	s.registerDeleteRequestTool(srv, session)
	s.registerExecuteRequestTool(srv, session)
	s.registerHistoryTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// addTool wires decode → endpoint → JSON text result, converting endpoint
// errors into tool errors rather than protocol errors.
func addTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		resp, err := endpoint(ctx, &r)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// --- list_collections ---

type listCollectionsRequest struct{}

func (s *Store) registerListCollectionsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "runi_list_collections",
		Description: "List all collections with their requests.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, _ *listCollectionsRequest) (any, error) {
		return s.Collections(ctx)
	})
}

// --- create_collection ---

type createCollectionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Store) registerCreateCollectionTool(srv *mcp.Server, session AISession) {
	tool := &mcp.Tool{
		Name:        "runi_create_collection",
		Description: "Create an empty collection. The UI is notified in real time.",
		InputSchema: inputSchema(map[string]any{
			"name":        map[string]any{"type": "string", "description": "Collection name"},
			"description": map[string]any{"type": "string", "description": "Optional description"},
		}, []string{"name"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *createCollectionRequest) (any, error) {
		if r.Name == "" {
			return nil, errors.New("name is required")
		}
		return s.CreateCollection(ctx, session.actor(), r.Name, r.Description)
	})
}

// --- delete_collection ---

type deleteCollectionRequest struct {
	CollectionID string `json:"collection_id"`
}

func (s *Store) registerDeleteCollectionTool(srv *mcp.Server, session AISession) {
	tool := &mcp.Tool{
		Name:        "runi_delete_collection",
		Description: "Delete a collection and all of its requests.",
		InputSchema: inputSchema(map[string]any{
			"collection_id": map[string]any{"type": "string", "description": "Collection id"},
		}, []string{"collection_id"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *deleteCollectionRequest) (any, error) {
		if err := s.DeleteCollection(ctx, session.actor(), r.CollectionID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": r.CollectionID}, nil
	})
}

// --- import_collection ---

type importCollectionRequest struct {
	Document string `json:"document"`
}

func (s *Store) registerImportCollectionTool(srv *mcp.Server, session AISession) {
	tool := &mcp.Tool{
		Name:        "runi_import_collection",
		Description: "Import a collection from a YAML or JSON API description (title + operations).",
		InputSchema: inputSchema(map[string]any{
			"document": map[string]any{"type": "string", "description": "Spec document text"},
		}, []string{"document"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *importCollectionRequest) (any, error) {
		return s.ImportCollection(ctx, session.actor(), []byte(r.Document))
	})
}

// --- add_request ---

type addRequestRequest struct {
	CollectionID string            `json:"collection_id"`
	Name         string            `json:"name"`
	Method       string            `json:"method,omitempty"`
	URL          string            `json:"url,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
}

func (s *Store) registerAddRequestTool(srv *mcp.Server, session AISession) {
	tool := &mcp.Tool{
		Name:        "runi_add_request",
		Description: "Add a request to a collection.",
		InputSchema: inputSchema(map[string]any{
			"collection_id": map[string]any{"type": "string", "description": "Target collection id"},
			"name":          map[string]any{"type": "string", "description": "Request name"},
			"method":        map[string]any{"type": "string", "description": "HTTP method (default GET)"},
			"url":           map[string]any{"type": "string", "description": "Request URL"},
			"headers":       map[string]any{"type": "object", "description": "Header map"},
			"body":          map[string]any{"type": "string", "description": "Request body"},
		}, []string{"collection_id", "name"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *addRequestRequest) (any, error) {
		if r.Name == "" {
			return nil, errors.New("name is required")
		}
		return s.AddRequest(ctx, session.actor(), r.CollectionID, Request{
			Name: r.Name, Method: r.Method, URL: r.URL, Headers: r.Headers, Body: r.Body,
		})
	})
}

// --- update_request ---

type updateRequestRequest struct {
	CollectionID string            `json:"collection_id"`
	RequestID    string            `json:"request_id"`
	Name         string            `json:"name"`
	Method       string            `json:"method,omitempty"`
	URL          string            `json:"url,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
}

func (s *Store) registerUpdateRequestTool(srv *mcp.Server, session AISession) {
	tool := &mcp.Tool{
		Name:        "runi_update_request",
		Description: "Rewrite a request definition. Open editors tracking this request follow the update.",
		InputSchema: inputSchema(map[string]any{
			"collection_id": map[string]any{"type": "string"},
			"request_id":    map[string]any{"type": "string"},
			"name":          map[string]any{"type": "string"},
			"method":        map[string]any{"type": "string"},
			"url":           map[string]any{"type": "string"},
			"headers":       map[string]any{"type": "object"},
			"body":          map[string]any{"type": "string"},
		}, []string{"collection_id", "request_id", "name"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *updateRequestRequest) (any, error) {
		req := Request{
			ID: r.RequestID, CollectionID: r.CollectionID,
			Name: r.Name, Method: r.Method, URL: r.URL, Headers: r.Headers, Body: r.Body,
		}
		if req.Method == "" {
			req.Method = "GET"
		}
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		if err := s.UpdateRequest(ctx, session.actor(), req); err != nil {
			return nil, err
		}
		return req, nil
	})
}

// --- delete_request ---

type deleteRequestRequest struct {
	CollectionID string `json:"collection_id"`
	RequestID    string `json:"request_id"`
}

func (s *Store) registerDeleteRequestTool(srv *mcp.Server, session AISession) {
	tool := &mcp.Tool{
		Name:        "runi_delete_request",
		Description: "Delete a single request from a collection.",
		InputSchema: inputSchema(map[string]any{
			"collection_id": map[string]any{"type": "string"},
			"request_id":    map[string]any{"type": "string"},
		}, []string{"collection_id", "request_id"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *deleteRequestRequest) (any, error) {
		if err := s.DeleteRequest(ctx, session.actor(), r.CollectionID, r.RequestID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": r.RequestID}, nil
	})
}

// --- execute_request ---

type executeRequestRequest struct {
	CollectionID string `json:"collection_id"`
	RequestID    string `json:"request_id"`
}

func (s *Store) registerExecuteRequestTool(srv *mcp.Server, session AISession) {
	tool := &mcp.Tool{
		Name:        "runi_execute_request",
		Description: "Execute a stored request with the active environment and return the recorded result.",
		InputSchema: inputSchema(map[string]any{
			"collection_id": map[string]any{"type": "string"},
			"request_id":    map[string]any{"type": "string"},
		}, []string{"collection_id", "request_id"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *executeRequestRequest) (any, error) {
		return s.ExecuteRequest(ctx, session.actor(), r.CollectionID, r.RequestID)
	})
}

// --- history ---

type historyRequest struct {
	CollectionID string `json:"collection_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

func (s *Store) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "runi_history",
		Description: "List recent request executions, newest first.",
		InputSchema: inputSchema(map[string]any{
			"collection_id": map[string]any{"type": "string", "description": "Filter by collection"},
			"limit":         map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, r *historyRequest) (any, error) {
		limit := r.Limit
		if limit <= 0 {
			limit = 50
		}
		return s.History(ctx, r.CollectionID, limit)
	})
}
