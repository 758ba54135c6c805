package ambient

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}

	first := gen.Generate()
	second := gen.Generate()

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, first, second)
}

func TestSequenceGenerator(t *testing.T) {
	gen := NewSequenceGenerator("job")

	assert.Equal(t, "job/1", gen.Generate())
	assert.Equal(t, "job/2", gen.Generate())
}

func TestSequenceGenerator_Concurrent(t *testing.T) {
	gen := NewSequenceGenerator("w")

	const workers = 16
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.Generate()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate identity %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers)
}

func TestWithGenerator(t *testing.T) {
	ctx := WithGenerator(context.Background(), NewSequenceGenerator("run"))

	root := WithExecution(ctx)
	id, ok := ExecutionFrom(root)
	require.True(t, ok)
	assert.Equal(t, ExecutionID("run/1"), id)

	first, _ := ExecutionFrom(Fork(root))
	second, _ := ExecutionFrom(Fork(root))
	assert.Equal(t, ExecutionID("run/2"), first)
	assert.Equal(t, ExecutionID("run/3"), second)

	joined, _ := ExecutionFrom(WithExecution(root))
	assert.Equal(t, ExecutionID("run/1"), joined, "joining draws no identity")
}

func TestWithExecution(t *testing.T) {
	t.Run("creates identity", func(t *testing.T) {
		ctx := WithExecution(context.Background())
		id, ok := ExecutionFrom(ctx)
		require.True(t, ok)
		assert.NotEmpty(t, id)
	})

	t.Run("joins existing identity", func(t *testing.T) {
		outer := WithExecutionID(context.Background(), "job-7")
		inner := WithExecution(outer)

		id, ok := ExecutionFrom(inner)
		require.True(t, ok)
		assert.Equal(t, ExecutionID("job-7"), id)
	})
}

func TestFork(t *testing.T) {
	parent := WithExecutionID(context.Background(), "job-7")
	child := Fork(parent)

	id, ok := ExecutionFrom(child)
	require.True(t, ok)
	assert.NotEqual(t, ExecutionID("job-7"), id)

	parentID, _ := ExecutionFrom(parent)
	assert.Equal(t, ExecutionID("job-7"), parentID)
}

func TestExecutionFrom_Absent(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
	}{
		{name: "nil context", ctx: nil},
		{name: "no identity", ctx: context.Background()},
		{name: "empty identity", ctx: WithExecutionID(context.Background(), "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ExecutionFrom(tt.ctx)
			assert.False(t, ok)
		})
	}
}
