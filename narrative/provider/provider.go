// Package provider talks to the external language-analysis service. Every transport
// failure leaves this package as a *Error so callers decide retry policy from its Class
// instead of re-parsing messages.
package provider

import "context"

// Request is one completion call.
type Request struct {
	// Instructions is the system/developer prompt.
	Instructions string
	// Input is the user-turn content.
	Input string

	// SchemaName and Schema request strict JSON output when the backend supports it.
	SchemaName string
	Schema     map[string]any

	MaxOutputTokens int
}

// Completer returns the raw text output of a single model call.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}
