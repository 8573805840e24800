// Package provider defines the capability set every upstream model family
// implements. The orchestrator selects an adapter through the resolved
// model descriptor and never branches on a provider name.
package provider

import (
	"context"

	"github.com/harborlabs/chatgate/internal/domain"
)

// Sink receives one incremental text fragment. Returning an error aborts
// the stream.
type Sink func(delta string) error

// Adapter translates a provider-agnostic message list into one upstream
// family's request shape and back. SendStream returns the full text even
// though it was emitted incrementally, so the exchange can be persisted.
// Families without a streaming contract emulate it by flushing the
// single-shot result as one fragment.
type Adapter interface {
	Name() string
	Send(ctx context.Context, model string, messages []domain.Message, apiKey string) (string, error)
	SendStream(ctx context.Context, model string, messages []domain.Message, apiKey string, sink Sink) (string, error)
}
