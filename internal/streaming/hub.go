// Package streaming provides pub/sub for live execution events so embedders
// can watch a run without polling the store.
package streaming

import "context"

// Event is a real-time notification emitted during execution.
type Event struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id,omitempty"`
	Type        string `json:"type"`
	Payload     any    `json:"payload,omitempty"`
}

// Filter specifies which events a subscriber wants to receive. Zero values
// match everything.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Hub is the pub/sub surface. Publish must never block execution progress.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
