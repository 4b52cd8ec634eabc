package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basestate/runid/envelope"
)

// SpecDoc is the supported API-description document: a flat list of
// operations. YAML and JSON both parse (JSON is a YAML subset).
type SpecDoc struct {
	Title       string    `yaml:"title" json:"title"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	BaseURL     string    `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Operations  []SpecOp  `yaml:"operations" json:"operations"`
}

// SpecOp is one operation in a SpecDoc.
type SpecOp struct {
	Method  string            `yaml:"method" json:"method"`
	Path    string            `yaml:"path" json:"path"`
	Summary string            `yaml:"summary,omitempty" json:"summary,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
}

// ParseSpec decodes and validates a spec document.
func ParseSpec(doc []byte) (SpecDoc, error) {
	var spec SpecDoc
	if err := yaml.Unmarshal(doc, &spec); err != nil {
		return SpecDoc{}, fmt.Errorf("backend: parse spec: %w", err)
	}
	if spec.Title == "" {
		return SpecDoc{}, fmt.Errorf("backend: parse spec: missing title")
	}
	for i, op := range spec.Operations {
		if op.Method == "" || op.Path == "" {
			return SpecDoc{}, fmt.Errorf("backend: parse spec: operation %d missing method or path", i)
		}
	}
	return spec, nil
}

// ImportCollection creates a collection (with one request per operation)
// from a spec document and emits a single collection:imported envelope.
func (s *Store) ImportCollection(ctx context.Context, actor envelope.Actor, doc []byte) (Collection, error) {
	spec, err := ParseSpec(doc)
	if err != nil {
		return Collection{}, err
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	col := Collection{
		ID:          s.newColID(),
		Name:        spec.Title,
		Description: spec.Description,
		Requests:    []Request{},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Collection{}, fmt.Errorf("backend: import: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collections (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		col.ID, col.Name, col.Description, now, now); err != nil {
		return Collection{}, fmt.Errorf("backend: import: %w", err)
	}

	for i, op := range spec.Operations {
		req := requestFromOp(s.newReqID(), col.ID, spec.BaseURL, op)
		headers, err := json.Marshal(req.Headers)
		if err != nil {
			return Collection{}, fmt.Errorf("backend: import: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO requests (id, collection_id, name, method, url, headers, body, position) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.CollectionID, req.Name, req.Method, req.URL, string(headers), req.Body, i+1); err != nil {
			return Collection{}, fmt.Errorf("backend: import: %w", err)
		}
		col.Requests = append(col.Requests, req)
	}

	if err := tx.Commit(); err != nil {
		return Collection{}, fmt.Errorf("backend: import: %w", err)
	}

	s.emit(envelope.CollectionImported, actor, envelope.CollectionPayload{ID: col.ID, Name: col.Name})
	return col, nil
}

func requestFromOp(id, collectionID, baseURL string, op SpecOp) Request {
	name := op.Summary
	if name == "" {
		name = strings.ToUpper(op.Method) + " " + op.Path
	}
	headers := op.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return Request{
		ID:           id,
		CollectionID: collectionID,
		Name:         name,
		Method:       strings.ToUpper(op.Method),
		URL:          strings.TrimRight(baseURL, "/") + op.Path,
		Headers:      headers,
		Body:         op.Body,
	}
}
