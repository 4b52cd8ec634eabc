package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basestate/runid/envelope"
	"github.com/basestate/runid/tabs"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

func newDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := &Config{DBPath: filepath.Join(t.TempDir(), "test.db")}
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.coord.Start(context.Background())
	t.Cleanup(func() { d.Close() })
	return d
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfigFile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "runid.db" || cfg.HTTPAddr != "127.0.0.1:8787" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.TabCapacity != 20 || cfg.HistoryLimit != 1000 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if lvl, err := cfg.SlogLevel(); err != nil || lvl.String() != "INFO" {
		t.Fatalf("level = %v, %v", lvl, err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "db_path: /tmp/x.db\nlog_level: debug\nfollow_mode: true\nmcp:\n  enabled: true\n  model: test-model\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/tmp/x.db" || !cfg.FollowMode || !cfg.MCP.Enabled || cfg.MCP.Model != "test-model" {
		t.Fatalf("cfg = %+v", cfg)
	}

	cfg.LogLevel = "verbose"
	if _, err := cfg.SlogLevel(); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func get(t *testing.T, srv *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s decode: %v", path, err)
		}
	}
	return resp
}

func post(t *testing.T, srv *httptest.Server, path string, body, out any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("POST %s decode: %v", path, err)
		}
	}
	return resp
}

func TestCollectionsAndProvenanceEndpoints(t *testing.T) {
	d := newDaemon(t)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	if _, err := d.store.CreateCollection(context.Background(), envelope.User(), "visible", ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var cols []map[string]any
		get(t, srv, "/v1/collections", &cols)
		if len(cols) == 1 && cols[0]["name"] == "visible" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("collection never reached the mirror: %v", cols)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var entries []map[string]any
	get(t, srv, "/v1/provenance", &entries)
	if len(entries) != 1 || entries[0]["action"] != "created_collection" {
		t.Fatalf("provenance = %v", entries)
	}
}

func TestTabOpenOrFocus(t *testing.T) {
	d := newDaemon(t)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	src := tabs.FromCollection("col_1", "req_1")
	var first, second struct {
		ID      string `json:"id"`
		Focused bool   `json:"focused"`
	}
	post(t, srv, "/v1/tabs/open", tabOpenRequest{Label: "pets", Source: &src}, &first)
	if first.Focused {
		t.Fatalf("first open reported focused: %+v", first)
	}
	post(t, srv, "/v1/tabs/open", tabOpenRequest{Label: "pets again", Source: &src}, &second)
	if !second.Focused || second.ID != first.ID {
		t.Fatalf("second open = %+v, want focus on %s", second, first.ID)
	}
	// Fresh registry tab plus the one opened here.
	if d.tabs.Len() != 2 {
		t.Fatalf("tab count = %d, want 2", d.tabs.Len())
	}
}

func TestTabCloseNeverEmpty(t *testing.T) {
	d := newDaemon(t)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	initial := d.tabs.ActiveID()
	var res struct {
		ActiveID string `json:"active_id"`
		Open     int    `json:"open"`
	}
	post(t, srv, "/v1/tabs/"+initial+"/close", nil, &res)
	if res.Open != 1 || res.ActiveID == initial || res.ActiveID == "" {
		t.Fatalf("after closing sole tab: %+v", res)
	}
}

func TestFollowModeEndpoint(t *testing.T) {
	d := newDaemon(t)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	post(t, srv, "/v1/follow-mode", map[string]bool{"enabled": true}, nil)
	if !d.coord.FollowMode() {
		t.Fatal("follow mode not enabled")
	}

	var status map[string]any
	get(t, srv, "/v1/status", &status)
	if status["follow_mode"] != true {
		t.Fatalf("status = %v", status)
	}
}

func TestDriftEndpoint(t *testing.T) {
	d := newDaemon(t)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	if resp := get(t, srv, "/v1/collections/col_x/drift", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	d.cache.SetDrift("col_x", envelope.RefreshPayload{CollectionID: "col_x", Changed: true})
	var summary envelope.RefreshPayload
	get(t, srv, "/v1/collections/col_x/drift", &summary)
	if !summary.Changed {
		t.Fatalf("summary = %+v", summary)
	}
}
