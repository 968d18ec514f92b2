// Package publisher provides the no-op event publisher used when event
// publishing is disabled. Real implementations live in the subpackages.
package publisher

import "context"

// NoOp discards every publish. It is the default when pubsub is not
// configured.
type NoOp struct{}

// Publish for NoOp does nothing and returns a dummy ID.
func (NoOp) Publish(_ context.Context, _ string, _ any) (string, error) {
	return "noop", nil
}
