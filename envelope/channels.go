package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Channel names are wire-compatible string literals; exact spelling matters.
// The set is closed: the coordinator subscribes to exactly these and nothing
// else.
type Channel string

const (
	CollectionCreated      Channel = "collection:created"
	CollectionDeleted      Channel = "collection:deleted"
	CollectionSaved        Channel = "collection:saved"
	CollectionImported     Channel = "collection:imported"
	CollectionRefreshed    Channel = "collection:refreshed"
	EnvironmentActivated   Channel = "collection:environment-activated"
	EnvironmentDeactivated Channel = "collection:environment-deactivated"
	EnvironmentDeleted     Channel = "collection:environment-deleted"
	EnvironmentUpdated     Channel = "collection:environment-updated"
	RequestAdded           Channel = "request:added"
	RequestUpdated         Channel = "request:updated"
	RequestDeleted         Channel = "request:deleted"
	RequestExecuted        Channel = "request:executed"
)

// Channels enumerates every channel in a stable order.
func Channels() []Channel {
	return []Channel{
		CollectionCreated,
		CollectionDeleted,
		CollectionSaved,
		CollectionImported,
		CollectionRefreshed,
		EnvironmentActivated,
		EnvironmentDeactivated,
		EnvironmentDeleted,
		EnvironmentUpdated,
		RequestAdded,
		RequestUpdated,
		RequestDeleted,
		RequestExecuted,
	}
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	for _, known := range Channels() {
		if c == known {
			return true
		}
	}
	return false
}

// ErrMalformed marks a payload missing required fields. Consumers drop
// such envelopes rather than propagating the error.
var ErrMalformed = errors.New("malformed payload")

func missing(ch Channel, field string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrMalformed, ch, field)
}

// CollectionPayload is the payload for collection:created, deleted, saved
// and imported.
type CollectionPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DecodeCollection validates and decodes a collection lifecycle payload.
func DecodeCollection(ch Channel, raw json.RawMessage) (CollectionPayload, error) {
	var p CollectionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrMalformed, ch, err)
	}
	if p.ID == "" {
		return p, missing(ch, "id")
	}
	if p.Name == "" {
		return p, missing(ch, "name")
	}
	return p, nil
}

// DriftOperation identifies one operation in a refreshed spec document.
type DriftOperation struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Summary string `json:"summary,omitempty"`
}

// OperationChange describes how a surviving operation differs after refresh.
type OperationChange struct {
	Method  string   `json:"method"`
	Path    string   `json:"path"`
	Changes []string `json:"changes"`
}

// RefreshPayload is the payload for collection:refreshed. The operations
// fields use the camelCase key spelling the UI expects.
type RefreshPayload struct {
	CollectionID      string            `json:"collection_id"`
	Changed           bool              `json:"changed"`
	OperationsAdded   []DriftOperation  `json:"operationsAdded"`
	OperationsRemoved []DriftOperation  `json:"operationsRemoved"`
	OperationsChanged []OperationChange `json:"operationsChanged"`
}

// DecodeRefresh validates and decodes a collection:refreshed payload.
func DecodeRefresh(raw json.RawMessage) (RefreshPayload, error) {
	var p RefreshPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrMalformed, CollectionRefreshed, err)
	}
	if p.CollectionID == "" {
		return p, missing(CollectionRefreshed, "collection_id")
	}
	return p, nil
}

// RequestPayload is the payload for request:added, updated and deleted.
// Name is required on request:added only.
type RequestPayload struct {
	CollectionID string `json:"collection_id"`
	RequestID    string `json:"request_id"`
	Name         string `json:"name,omitempty"`
}

// DecodeRequest validates and decodes a request lifecycle payload.
func DecodeRequest(ch Channel, raw json.RawMessage) (RequestPayload, error) {
	var p RequestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrMalformed, ch, err)
	}
	if p.CollectionID == "" {
		return p, missing(ch, "collection_id")
	}
	if p.RequestID == "" {
		return p, missing(ch, "request_id")
	}
	if ch == RequestAdded && p.Name == "" {
		return p, missing(ch, "name")
	}
	return p, nil
}

// ExecutedPayload is the payload for request:executed.
type ExecutedPayload struct {
	CollectionID string `json:"collection_id"`
	RequestID    string `json:"request_id"`
	Status       int    `json:"status"`
	TotalMS      int64  `json:"total_ms"`
}

// DecodeExecuted validates and decodes a request:executed payload.
func DecodeExecuted(raw json.RawMessage) (ExecutedPayload, error) {
	var p ExecutedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrMalformed, RequestExecuted, err)
	}
	if p.CollectionID == "" {
		return p, missing(RequestExecuted, "collection_id")
	}
	if p.RequestID == "" {
		return p, missing(RequestExecuted, "request_id")
	}
	if p.Status == 0 {
		return p, missing(RequestExecuted, "status")
	}
	return p, nil
}

// EnvironmentPayload is the payload for the collection:environment-*
// channels.
type EnvironmentPayload struct {
	CollectionID  string `json:"collection_id"`
	EnvironmentID string `json:"environment_id"`
	Name          string `json:"name,omitempty"`
}

// DecodeEnvironment validates and decodes an environment lifecycle payload.
func DecodeEnvironment(ch Channel, raw json.RawMessage) (EnvironmentPayload, error) {
	var p EnvironmentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrMalformed, ch, err)
	}
	if p.CollectionID == "" {
		return p, missing(ch, "collection_id")
	}
	if p.EnvironmentID == "" {
		return p, missing(ch, "environment_id")
	}
	return p, nil
}
