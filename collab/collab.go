// Package collab defines the narrow interfaces through which pipeline
// steps consult external subsystems: context retrieval, document
// ingestion, and isolated workspace creation. The implementations live
// outside this module; orchestration only needs them as opaque,
// timeout-bounded calls.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcwell/maestro"
)

// Snippet is one ranked result from a retrieval call.
type Snippet struct {
	// Source identifies where the snippet came from (document ID,
	// URL, file path).
	Source string `json:"source"`

	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Retriever answers context queries with ranked snippets.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filters map[string]string) ([]Snippet, error)
}

// RetrieverFunc adapts a function to the Retriever interface.
type RetrieverFunc func(ctx context.Context, query string, filters map[string]string) ([]Snippet, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, query string, filters map[string]string) ([]Snippet, error) {
	return f(ctx, query, filters)
}

// Ingestor pulls a source (file, URL, feed) into the external document
// store and returns the resulting document ID.
type Ingestor interface {
	Ingest(ctx context.Context, source string) (string, error)
}

// IngestorFunc adapts a function to the Ingestor interface.
type IngestorFunc func(ctx context.Context, source string) (string, error)

func (f IngestorFunc) Ingest(ctx context.Context, source string) (string, error) {
	return f(ctx, source)
}

// Workspaces creates isolated working copies for steps that mutate a
// repository. The returned path is owned by the caller.
type Workspaces interface {
	CreateIsolatedWorkspace(ctx context.Context, branch string) (string, error)
}

// WorkspacesFunc adapts a function to the Workspaces interface.
type WorkspacesFunc func(ctx context.Context, branch string) (string, error)

func (f WorkspacesFunc) CreateIsolatedWorkspace(ctx context.Context, branch string) (string, error) {
	return f(ctx, branch)
}

// bound wraps a collaborator call in a deadline so a hung external
// subsystem cannot stall a step past its budget. A deadline expiry is
// reported as maestro.ErrCollaboratorTimeout.
func bound[T any](ctx context.Context, timeout time.Duration, call func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := call(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var zero T
		return zero, fmt.Errorf("%w: %v", maestro.ErrCollaboratorTimeout, err)
	}
	return out, err
}

// BoundRetriever returns a Retriever whose calls are bounded by
// timeout. Zero means no bound.
func BoundRetriever(r Retriever, timeout time.Duration) Retriever {
	return RetrieverFunc(func(ctx context.Context, query string, filters map[string]string) ([]Snippet, error) {
		return bound(ctx, timeout, func(ctx context.Context) ([]Snippet, error) {
			return r.Retrieve(ctx, query, filters)
		})
	})
}

// BoundIngestor returns an Ingestor whose calls are bounded by
// timeout. Zero means no bound.
func BoundIngestor(i Ingestor, timeout time.Duration) Ingestor {
	return IngestorFunc(func(ctx context.Context, source string) (string, error) {
		return bound(ctx, timeout, func(ctx context.Context) (string, error) {
			return i.Ingest(ctx, source)
		})
	})
}

// BoundWorkspaces returns a Workspaces whose calls are bounded by
// timeout. Zero means no bound.
func BoundWorkspaces(w Workspaces, timeout time.Duration) Workspaces {
	return WorkspacesFunc(func(ctx context.Context, branch string) (string, error) {
		return bound(ctx, timeout, func(ctx context.Context) (string, error) {
			return w.CreateIsolatedWorkspace(ctx, branch)
		})
	})
}
