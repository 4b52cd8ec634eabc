// Package envelope defines the attributed event envelope the backend emits
// for every durable-state mutation, and the closed set of channels it is
// delivered on.
//
// Every envelope carries WHO caused the change (Actor), WHEN it happened
// (wall-clock timestamp), and optionally a logical Lamport timestamp for
// ordering diagnostics. Consumers must not depend on the Lamport field
// being present: the transport guarantees per-channel arrival order only,
// and nothing in this layer reorders by logical clock.
package envelope

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// ActorType discriminates the Actor tagged union.
type ActorType string

const (
	// ActorUser is the human at the keyboard.
	ActorUser ActorType = "user"
	// ActorAI is an AI agent acting through the MCP surface.
	ActorAI ActorType = "ai"
	// ActorSystem is an automated action (drift detection, imports).
	ActorSystem ActorType = "system"
)

// Actor identifies who caused an event. Immutable; carried on every
// envelope and every provenance entry. Model and SessionID are only set
// for ActorAI.
type Actor struct {
	Type      ActorType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// User returns the human actor.
func User() Actor { return Actor{Type: ActorUser} }

// System returns the system actor.
func System() Actor { return Actor{Type: ActorSystem} }

// AI returns an AI actor with an optional session and model identifier.
func AI(sessionID, model string) Actor {
	return Actor{Type: ActorAI, SessionID: sessionID, Model: model}
}

// Valid reports whether the actor type is one of the three known kinds.
func (a Actor) Valid() bool {
	switch a.Type {
	case ActorUser, ActorAI, ActorSystem:
		return true
	}
	return false
}

// Lamport is a logical timestamp: (participant, seq). Two events from the
// same participant are ordered by Seq. Carried verbatim for display and
// debugging; never used to reorder delivery.
type Lamport struct {
	Participant Actor  `json:"participant"`
	Seq         uint64 `json:"seq"`
}

// SeqCounter produces monotonically increasing sequence numbers starting
// at 1. One counter per participant per session. Safe for concurrent use.
type SeqCounter struct {
	n atomic.Uint64
}

// Next returns the next sequence number and advances the counter.
func (c *SeqCounter) Next() uint64 { return c.n.Add(1) }

// Current returns the last issued sequence number (0 if none yet).
func (c *SeqCounter) Current() uint64 { return c.n.Load() }

// Envelope is the wire-level unit delivered per channel. Immutable after
// construction; consumed exactly once per subscriber.
type Envelope struct {
	Actor     Actor           `json:"actor"`
	Timestamp string          `json:"timestamp"` // RFC 3339 UTC
	Lamport   *Lamport        `json:"lamport,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// New builds an envelope with the current UTC time and the given payload,
// which must marshal to JSON.
func New(actor Actor, lamport *Lamport, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return &Envelope{
		Actor:     actor,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Lamport:   lamport,
		Payload:   raw,
	}, nil
}
