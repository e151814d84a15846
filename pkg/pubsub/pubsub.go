package pubsub

import (
	"context"
	"encoding/json"
)

// Topics published while watching
const (
	TopicStatus  = "evaluation_status" // Lifecycle of the evaluation loop
	TopicChanges = "file_changes"      // Accepted change batches
)

// Event represents a pub/sub event
type Event struct {
	Topic   string          `json:"topic"`   // Subscription topic, one of the Topic constants
	Type    string          `json:"type"`    // Event type (e.g., "evaluating", "valid", "stale")
	Data    json.RawMessage `json:"data"`    // Event payload
	Version int             `json:"version"` // Version number for ordering
}

// Subscription represents a client subscription to a topic
type Subscription interface {
	// Topic returns the subscription topic
	Topic() string

	// Events returns a channel for receiving events
	Events() <-chan Event

	// Close closes the subscription
	Close() error
}

// Publisher manages pub/sub subscriptions and event publishing
type Publisher interface {
	// Subscribe creates a new subscription to a topic
	// Context cancellation will close the subscription
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish sends an event to all subscribers of a topic
	Publish(topic string, eventType string, data interface{}) error

	// Close shuts down the publisher and all subscriptions
	Close() error
}

// EvaluationStatus is the payload of TopicStatus
type EvaluationStatus struct {
	State    string   `json:"state"`             // evaluating, valid, stale, failed, waiting
	Message  string   `json:"message"`           // Human-readable status message
	Projects int      `json:"projects"`          // Projects in the last good evaluation
	Files    int      `json:"files"`             // Files in the last good watch-set
	Failed   []string `json:"failed,omitempty"`  // Projects whose design-time build failed
	Elapsed  string   `json:"elapsed,omitempty"` // Duration of the evaluation
}

// ChangeBatch is the payload of TopicChanges
type ChangeBatch struct {
	Changes []ChangeData `json:"changes"`
	Stale   bool         `json:"stale"` // True when the batch invalidated the evaluation
}

// ChangeData describes one accepted change
type ChangeData struct {
	Path     string   `json:"path"`
	Kind     string   `json:"kind"`
	Projects []string `json:"projects,omitempty"`
	AssetURL string   `json:"asset_url,omitempty"`
}
