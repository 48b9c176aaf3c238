// Package feed delivers voice presence transitions from an external source
// (the Discord gateway, a Redis channel or a Kafka topic) to a Sink.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a transition by the channels on either side of it.
type Kind int

const (
	KindNone Kind = iota
	KindJoin
	KindLeave
	KindMove
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindMove:
		return "move"
	default:
		return "none"
	}
}

// Transition reports a subject's voice channel changing within a group.
// An empty channel means "not connected".
type Transition struct {
	SubjectID     string    `json:"subject_id"`
	GroupID       string    `json:"group_id"`
	BeforeChannel string    `json:"before_channel,omitempty"`
	AfterChannel  string    `json:"after_channel,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	// Optional display names, fed to the directory when present.
	GroupName   string `json:"group_name,omitempty"`
	SubjectName string `json:"subject_name,omitempty"`

	// Resync marks a group-wide announcement listing every subject currently
	// in voice. Sessions in the group for anyone not listed are closed.
	Resync  bool     `json:"resync,omitempty"`
	Present []string `json:"present,omitempty"`
}

// Kind classifies the transition.
func (t Transition) Kind() Kind {
	switch {
	case t.BeforeChannel == "" && t.AfterChannel != "":
		return KindJoin
	case t.BeforeChannel != "" && t.AfterChannel == "":
		return KindLeave
	case t.BeforeChannel != "" && t.AfterChannel != "":
		return KindMove
	default:
		return KindNone
	}
}

// Decode parses a JSON-encoded transition as published on the Redis and
// Kafka feeds.
func Decode(data []byte) (Transition, error) {
	var t Transition
	if err := json.Unmarshal(data, &t); err != nil {
		return Transition{}, fmt.Errorf("failed to decode transition: %w", err)
	}
	if t.GroupID == "" || (t.SubjectID == "" && !t.Resync) {
		return Transition{}, fmt.Errorf("transition missing subject_id or group_id")
	}
	return t, nil
}

// Encode renders a transition in the feed wire format.
func Encode(t Transition) ([]byte, error) {
	return json.Marshal(t)
}

// Sink consumes transitions.
type Sink interface {
	HandleTransition(ctx context.Context, t Transition)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, t Transition)

// HandleTransition calls f(ctx, t).
func (f SinkFunc) HandleTransition(ctx context.Context, t Transition) {
	f(ctx, t)
}

// Tee delivers every transition to each sink in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, t Transition) {
		for _, s := range sinks {
			s.HandleTransition(ctx, t)
		}
	})
}

// Source produces transitions until ctx is cancelled or the source fails.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}
