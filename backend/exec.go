package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basestate/runid/envelope"
)

const maxResponseBody = 1 << 20 // history keeps at most 1 MiB per response

// ExecuteRequest performs the stored request over HTTP with the
// collection's active environment substituted into url, headers and body,
// records a history entry, and emits request:executed. The HTTP status
// ends up in both the history row and the envelope payload.
func (s *Store) ExecuteRequest(ctx context.Context, actor envelope.Actor, collectionID, requestID string) (HistoryEntry, error) {
	col, err := s.Collection(ctx, collectionID)
	if err != nil {
		return HistoryEntry{}, err
	}
	var req *Request
	for i := range col.Requests {
		if col.Requests[i].ID == requestID {
			req = &col.Requests[i]
			break
		}
	}
	if req == nil {
		return HistoryEntry{}, ErrNotFound
	}

	vars := map[string]string{}
	if env, ok, err := s.ActiveEnvironment(ctx, collectionID); err != nil {
		return HistoryEntry{}, err
	} else if ok {
		vars = env.Variables
	}

	url := Substitute(req.URL, vars)
	body := Substitute(req.Body, vars)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, strings.NewReader(body))
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("backend: execute: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(Substitute(k, vars), Substitute(v, vars))
	}

	start := s.now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("backend: execute: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	elapsed := s.now().Sub(start)

	entry := HistoryEntry{
		ID:           s.newHistID(),
		CollectionID: collectionID,
		RequestID:    requestID,
		Status:       resp.StatusCode,
		TotalMS:      elapsed.Milliseconds(),
		ExecutedAt:   start.UTC(),
		ResponseBody: string(respBody),
	}
	if err := s.recordHistory(ctx, entry); err != nil {
		// The call did happen; a history write failure must not hide that.
		s.logger.Warn("backend: history write failed", "error", err)
	}

	s.emit(envelope.RequestExecuted, actor, envelope.ExecutedPayload{
		CollectionID: collectionID,
		RequestID:    requestID,
		Status:       entry.Status,
		TotalMS:      entry.TotalMS,
	})
	return entry, nil
}

// Substitute replaces {{name}} placeholders with environment variables.
// Unknown placeholders are left as-is.
func Substitute(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	out := s
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

func (s *Store) recordHistory(ctx context.Context, e HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, collection_id, request_id, status, total_ms, executed_at, response_body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CollectionID, e.RequestID, e.Status, e.TotalMS, e.ExecutedAt.Format(time.RFC3339Nano), e.ResponseBody)
	if err != nil {
		return fmt.Errorf("backend: record history: %w", err)
	}
	// Bound enforced on every insert, not on a timer.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM history WHERE id NOT IN (SELECT id FROM history ORDER BY executed_at DESC, id DESC LIMIT ?)`,
		s.historyLimit)
	if err != nil {
		return fmt.Errorf("backend: trim history: %w", err)
	}
	return nil
}

// History returns the most recent executions, newest first, optionally
// filtered by collection.
func (s *Store) History(ctx context.Context, collectionID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	q := `SELECT id, collection_id, request_id, status, total_ms, executed_at, response_body FROM history`
	args := []any{}
	if collectionID != "" {
		q += ` WHERE collection_id = ?`
		args = append(args, collectionID)
	}
	q += ` ORDER BY executed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("backend: history: %w", err)
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		var at string
		if err := rows.Scan(&e.ID, &e.CollectionID, &e.RequestID, &e.Status, &e.TotalMS, &at, &e.ResponseBody); err != nil {
			return nil, fmt.Errorf("backend: history: %w", err)
		}
		e.ExecutedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
