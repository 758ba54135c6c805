package ambient

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// ExecutionID names one logical execution: a goroutine, request or job that
// owns its operation contexts exclusively.
type ExecutionID string

type executionKey struct{}

// IdentityGenerator produces execution identities for WithExecution and
// Fork. Install one on a context with WithGenerator.
type IdentityGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identities. It is used when
// the context carries no generator.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator numbers identities under a fixed prefix: "job/1",
// "job/2", ... Replayed runs therefore see the same identities.
//
// Thread-safety: SequenceGenerator is safe for concurrent use.
type SequenceGenerator struct {
	prefix string
	next   atomic.Int64
}

// NewSequenceGenerator creates a generator numbering from 1 under prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next numbered identity.
func (g *SequenceGenerator) Generate() string {
	return g.prefix + "/" + strconv.FormatInt(g.next.Add(1), 10)
}

type generatorKey struct{}

// WithGenerator returns a child context whose WithExecution and Fork calls,
// and those of contexts derived from it, draw identities from gen.
func WithGenerator(ctx context.Context, gen IdentityGenerator) context.Context {
	return context.WithValue(ctx, generatorKey{}, gen)
}

func generatorFrom(ctx context.Context) IdentityGenerator {
	if gen, ok := ctx.Value(generatorKey{}).(IdentityGenerator); ok && gen != nil {
		return gen
	}
	return UUIDv7Generator{}
}

// WithExecution returns ctx if it already carries an execution identity,
// otherwise a child context carrying a new one. Nested calls therefore join
// the caller's execution.
func WithExecution(ctx context.Context) context.Context {
	if _, ok := ExecutionFrom(ctx); ok {
		return ctx
	}
	return WithExecutionID(ctx, ExecutionID(generatorFrom(ctx).Generate()))
}

// Fork returns a child context carrying a new execution identity. Use it for
// goroutines spawned from a unit of work: they get operation contexts of
// their own instead of sharing the parent's.
func Fork(ctx context.Context) context.Context {
	return WithExecutionID(ctx, ExecutionID(generatorFrom(ctx).Generate()))
}

// WithExecutionID returns a child context carrying id.
func WithExecutionID(ctx context.Context, id ExecutionID) context.Context {
	return context.WithValue(ctx, executionKey{}, id)
}

// ExecutionFrom returns the execution identity carried by ctx.
func ExecutionFrom(ctx context.Context) (ExecutionID, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(executionKey{}).(ExecutionID)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
