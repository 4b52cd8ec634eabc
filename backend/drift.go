package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/basestate/runid/envelope"
	"github.com/basestate/runid/watch"
)

// RefreshCollection re-parses a spec document, diffs its operations
// against the collection's stored requests and emits collection:refreshed
// with the structural delta. It never mutates request content: drift is
// advisory, the operator decides what to do with it.
func (s *Store) RefreshCollection(ctx context.Context, actor envelope.Actor, collectionID string, doc []byte) (envelope.RefreshPayload, error) {
	spec, err := ParseSpec(doc)
	if err != nil {
		return envelope.RefreshPayload{}, err
	}
	col, err := s.Collection(ctx, collectionID)
	if err != nil {
		return envelope.RefreshPayload{}, err
	}

	payload := diffOperations(collectionID, col.Requests, spec.Operations)
	s.emit(envelope.CollectionRefreshed, actor, payload)
	return payload, nil
}

// diffOperations compares stored requests with the refreshed document's
// operations, keyed by "METHOD path".
func diffOperations(collectionID string, reqs []Request, ops []SpecOp) envelope.RefreshPayload {
	oldOps := make(map[string]Request, len(reqs))
	for _, r := range reqs {
		oldOps[strings.ToUpper(r.Method)+" "+requestPath(r)] = r
	}

	payload := envelope.RefreshPayload{
		CollectionID:      collectionID,
		OperationsAdded:   []envelope.DriftOperation{},
		OperationsRemoved: []envelope.DriftOperation{},
		OperationsChanged: []envelope.OperationChange{},
	}

	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		key := strings.ToUpper(op.Method) + " " + op.Path
		seen[key] = true
		old, ok := oldOps[key]
		if !ok {
			payload.OperationsAdded = append(payload.OperationsAdded, envelope.DriftOperation{
				Method: strings.ToUpper(op.Method), Path: op.Path, Summary: op.Summary,
			})
			continue
		}
		var changes []string
		if op.Summary != "" && op.Summary != old.Name {
			changes = append(changes, "summary")
		}
		if op.Body != old.Body {
			changes = append(changes, "body")
		}
		if len(changes) > 0 {
			payload.OperationsChanged = append(payload.OperationsChanged, envelope.OperationChange{
				Method: strings.ToUpper(op.Method), Path: op.Path, Changes: changes,
			})
		}
	}
	for _, r := range reqs {
		key := strings.ToUpper(r.Method) + " " + requestPath(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		payload.OperationsRemoved = append(payload.OperationsRemoved, envelope.DriftOperation{
			Method: strings.ToUpper(r.Method), Path: requestPath(r), Summary: r.Name,
		})
	}

	payload.Changed = len(payload.OperationsAdded) > 0 ||
		len(payload.OperationsRemoved) > 0 ||
		len(payload.OperationsChanged) > 0
	return payload
}

func requestPath(r Request) string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Path == "" {
		return r.URL
	}
	return u.Path
}

// QueueSpecRefresh stores a document for the background refresher to
// sweep. The watch loop notices the insert via MAX(id) polling.
func (s *Store) QueueSpecRefresh(ctx context.Context, collectionID string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_specs (collection_id, document, queued_at) VALUES (?, ?, ?)`,
		collectionID, string(doc), s.now().Unix())
	if err != nil {
		return fmt.Errorf("backend: queue spec refresh: %w", err)
	}
	return nil
}

// Refresher drains queued spec documents and emits system-attributed
// collection:refreshed envelopes. Drift detection is an automated action,
// so the system actor owns it.
type Refresher struct {
	store   *Store
	watcher *watch.Watcher
	logger  *slog.Logger
}

// NewRefresher builds a Refresher polling at the given interval.
func NewRefresher(store *Store, interval time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		store: store,
		watcher: watch.New(store.db, watch.Options{
			Interval: interval,
			Detector: watch.MaxColumnDetector("pending_specs", "id"),
			Logger:   logger,
		}),
		logger: logger,
	}
}

// Run blocks until ctx is cancelled, sweeping whenever the queue grows.
func (r *Refresher) Run(ctx context.Context) {
	r.watcher.OnChange(ctx, func() error { return r.Sweep(context.WithoutCancel(ctx)) })
}

// Watcher exposes poll/reload counters for inspection.
func (r *Refresher) Watcher() *watch.Watcher { return r.watcher }

// Sweep processes and removes every queued document. A document that no
// longer matches an existing collection is dropped with a warning; it must
// not wedge the queue.
func (r *Refresher) Sweep(ctx context.Context) error {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT id, collection_id, document FROM pending_specs ORDER BY id`)
	if err != nil {
		return fmt.Errorf("backend: sweep: %w", err)
	}
	type pending struct {
		id           int64
		collectionID string
		document     string
	}
	var queue []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.collectionID, &p.document); err != nil {
			rows.Close()
			return fmt.Errorf("backend: sweep: %w", err)
		}
		queue = append(queue, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("backend: sweep: %w", err)
	}

	for _, p := range queue {
		if _, err := r.store.RefreshCollection(ctx, envelope.System(), p.collectionID, []byte(p.document)); err != nil {
			r.logger.Warn("backend: spec refresh dropped", "collection_id", p.collectionID, "error", err)
		}
		if _, err := r.store.db.ExecContext(ctx, `DELETE FROM pending_specs WHERE id = ?`, p.id); err != nil {
			return fmt.Errorf("backend: sweep: %w", err)
		}
	}
	return nil
}
