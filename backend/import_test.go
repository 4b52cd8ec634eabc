package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/basestate/runid/envelope"
)

const petstoreDoc = `
title: Petstore
description: demo API
base_url: https://pets.test/
operations:
  - method: get
    path: /pets
    summary: List pets
  - method: post
    path: /pets
    summary: Create pet
    headers:
      Content-Type: application/json
    body: '{"name":""}'
  - method: delete
    path: /pets/{id}
`

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"valid yaml", petstoreDoc, ""},
		{"valid json", `{"title":"t","operations":[{"method":"GET","path":"/x"}]}`, ""},
		{"missing title", `operations: []`, "missing title"},
		{"missing method", "title: t\noperations:\n  - path: /x", "missing method or path"},
		{"garbage", `{{{`, "parse spec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec([]byte(tt.doc))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseSpec: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ParseSpec err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestImportCollection(t *testing.T) {
	s, b := newStore(t)
	imported := b.Subscribe(envelope.CollectionImported, 4)
	defer imported.Cancel()

	col, err := s.ImportCollection(context.Background(), envelope.User(), []byte(petstoreDoc))
	if err != nil {
		t.Fatalf("ImportCollection: %v", err)
	}
	if col.Name != "Petstore" || col.Description != "demo API" {
		t.Fatalf("collection = %+v", col)
	}
	if len(col.Requests) != 3 {
		t.Fatalf("requests = %d, want 3", len(col.Requests))
	}

	first := col.Requests[0]
	if first.Name != "List pets" || first.Method != "GET" || first.URL != "https://pets.test/pets" {
		t.Fatalf("first request = %+v", first)
	}
	// No summary: the name falls back to "METHOD path".
	last := col.Requests[2]
	if last.Name != "DELETE /pets/{id}" {
		t.Fatalf("last request name = %q", last.Name)
	}

	p, err := envelope.DecodeCollection(envelope.CollectionImported, recv(t, imported).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != col.ID || p.Name != "Petstore" {
		t.Fatalf("imported payload = %+v", p)
	}
	// One envelope for the whole import, not one per request.
	if got := b.Stats().Published; got != 1 {
		t.Fatalf("published = %d, want 1", got)
	}

	// Import is durable: read back matches.
	got, err := s.Collection(context.Background(), col.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Requests) != 3 || got.Requests[1].Headers["Content-Type"] != "application/json" {
		t.Fatalf("read back = %+v", got.Requests)
	}
}

func TestImportRejectsBadDocument(t *testing.T) {
	s, b := newStore(t)
	if _, err := s.ImportCollection(context.Background(), envelope.User(), []byte(`operations: []`)); err == nil {
		t.Fatal("expected error")
	}
	if got := b.Stats().Published; got != 0 {
		t.Fatalf("published = %d, want 0 after failed import", got)
	}
}
