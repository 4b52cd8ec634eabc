package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basestate/runid/bus"
	"github.com/basestate/runid/envelope"
	"github.com/basestate/runid/idgen"
)

// DefaultHistoryLimit bounds the history table.
const DefaultHistoryLimit = 1000

// Store is the durable resource store. All mutators emit exactly one
// envelope on the bus; read methods never emit.
type Store struct {
	db     *sql.DB
	bus    *bus.Bus
	logger *slog.Logger

	newColID  idgen.Generator
	newReqID  idgen.Generator
	newEnvID  idgen.Generator
	newHistID idgen.Generator

	historyLimit int

	// One Lamport counter per participant per session. Actor is a
	// comparable struct, so it keys the map directly.
	seqMu sync.Mutex
	seqs  map[envelope.Actor]*envelope.SeqCounter

	httpClient *http.Client
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithHistoryLimit overrides the history bound (default 1000).
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithHTTPClient overrides the client used by ExecuteRequest.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpClient = c }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over an opened database, applying the schema.
func New(db *sql.DB, b *bus.Bus, opts ...Option) (*Store, error) {
	s := &Store{
		db:           db,
		bus:          b,
		logger:       slog.Default(),
		newColID:     idgen.Prefixed("col_", idgen.Default),
		newReqID:     idgen.Prefixed("req_", idgen.Default),
		newEnvID:     idgen.Prefixed("env_", idgen.Default),
		newHistID:    idgen.Prefixed("hist_", idgen.Default),
		historyLimit: DefaultHistoryLimit,
		seqs:         make(map[envelope.Actor]*envelope.SeqCounter),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return s, nil
}

// emit wraps payload in an envelope stamped with the actor's next Lamport
// seq and publishes it. Emission is best-effort by contract: a payload
// that cannot marshal is logged and dropped, never returned to the caller
// whose durable write already succeeded.
func (s *Store) emit(ch envelope.Channel, actor envelope.Actor, payload any) {
	s.seqMu.Lock()
	ctr := s.seqs[actor]
	if ctr == nil {
		ctr = &envelope.SeqCounter{}
		s.seqs[actor] = ctr
	}
	s.seqMu.Unlock()

	env, err := envelope.New(actor, &envelope.Lamport{Participant: actor, Seq: ctr.Next()}, payload)
	if err != nil {
		s.logger.Error("backend: emit failed", "channel", ch, "error", err)
		return
	}
	s.bus.Publish(ch, env)
}

// ---------- collections ----------

// CreateCollection inserts a collection and emits collection:created.
func (s *Store) CreateCollection(ctx context.Context, actor envelope.Actor, name, description string) (Collection, error) {
	now := s.now().UTC()
	col := Collection{
		ID:          s.newColID(),
		Name:        name,
		Description: description,
		Requests:    []Request{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		col.ID, col.Name, col.Description, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Collection{}, fmt.Errorf("backend: create collection: %w", err)
	}
	s.emit(envelope.CollectionCreated, actor, envelope.CollectionPayload{ID: col.ID, Name: col.Name})
	return col, nil
}

// SaveCollection updates name and description and emits collection:saved.
func (s *Store) SaveCollection(ctx context.Context, actor envelope.Actor, id, name, description string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collections SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		name, description, s.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("backend: save collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.emit(envelope.CollectionSaved, actor, envelope.CollectionPayload{ID: id, Name: name})
	return nil
}

// DeleteCollection removes a collection (requests and environments cascade)
// and emits collection:deleted.
func (s *Store) DeleteCollection(ctx context.Context, actor envelope.Actor, id string) error {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM collections WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("backend: delete collection: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("backend: delete collection: %w", err)
	}
	s.emit(envelope.CollectionDeleted, actor, envelope.CollectionPayload{ID: id, Name: name})
	return nil
}

// ---------- requests ----------

// AddRequest inserts a request and emits request:added.
func (s *Store) AddRequest(ctx context.Context, actor envelope.Actor, collectionID string, req Request) (Request, error) {
	if exists, err := s.collectionExists(ctx, collectionID); err != nil {
		return Request{}, err
	} else if !exists {
		return Request{}, ErrNotFound
	}

	req.ID = s.newReqID()
	req.CollectionID = collectionID
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return Request{}, fmt.Errorf("backend: add request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (id, collection_id, name, method, url, headers, body, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM requests WHERE collection_id = ?))`,
		req.ID, req.CollectionID, req.Name, req.Method, req.URL, string(headers), req.Body, collectionID)
	if err != nil {
		return Request{}, fmt.Errorf("backend: add request: %w", err)
	}
	s.emit(envelope.RequestAdded, actor, envelope.RequestPayload{
		CollectionID: collectionID, RequestID: req.ID, Name: req.Name,
	})
	return req, nil
}

// UpdateRequest rewrites a request definition and emits request:updated.
func (s *Store) UpdateRequest(ctx context.Context, actor envelope.Actor, req Request) error {
	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return fmt.Errorf("backend: update request: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET name = ?, method = ?, url = ?, headers = ?, body = ? WHERE id = ? AND collection_id = ?`,
		req.Name, req.Method, req.URL, string(headers), req.Body, req.ID, req.CollectionID)
	if err != nil {
		return fmt.Errorf("backend: update request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.emit(envelope.RequestUpdated, actor, envelope.RequestPayload{
		CollectionID: req.CollectionID, RequestID: req.ID, Name: req.Name,
	})
	return nil
}

// DeleteRequest removes a request and emits request:deleted.
func (s *Store) DeleteRequest(ctx context.Context, actor envelope.Actor, collectionID, requestID string) error {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM requests WHERE id = ? AND collection_id = ?`, requestID, collectionID).Scan(&name)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("backend: delete request: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM requests WHERE id = ? AND collection_id = ?`, requestID, collectionID); err != nil {
		return fmt.Errorf("backend: delete request: %w", err)
	}
	s.emit(envelope.RequestDeleted, actor, envelope.RequestPayload{
		CollectionID: collectionID, RequestID: requestID, Name: name,
	})
	return nil
}

// ---------- read side ----------

// Collections returns every collection with its requests, ordered by name.
func (s *Store) Collections(ctx context.Context) ([]Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM collections ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("backend: collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backend: collections: %w", err)
	}

	for i := range out {
		reqs, err := s.requestsFor(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Requests = reqs
	}
	return out, nil
}

// Collection returns one collection with its requests.
func (s *Store) Collection(ctx context.Context, id string) (Collection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM collections WHERE id = ?`, id)
	col, err := scanCollection(row)
	if err == sql.ErrNoRows {
		return Collection{}, ErrNotFound
	}
	if err != nil {
		return Collection{}, err
	}
	col.Requests, err = s.requestsFor(ctx, id)
	if err != nil {
		return Collection{}, err
	}
	return col, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (Collection, error) {
	var col Collection
	var created, updated string
	if err := row.Scan(&col.ID, &col.Name, &col.Description, &created, &updated); err != nil {
		return Collection{}, err
	}
	col.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	col.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	col.Requests = []Request{}
	return col, nil
}

func (s *Store) requestsFor(ctx context.Context, collectionID string) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection_id, name, method, url, headers, body FROM requests WHERE collection_id = ? ORDER BY position, id`,
		collectionID)
	if err != nil {
		return nil, fmt.Errorf("backend: requests: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		var req Request
		var headers string
		if err := rows.Scan(&req.ID, &req.CollectionID, &req.Name, &req.Method, &req.URL, &headers, &req.Body); err != nil {
			return nil, fmt.Errorf("backend: requests: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &req.Headers); err != nil {
			req.Headers = map[string]string{}
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) collectionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM collections WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("backend: collection exists: %w", err)
	}
	return true, nil
}
