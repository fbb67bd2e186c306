package groutine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/kiribridge/internal/groutine"
)

func TestGoCarriesNameInContext(t *testing.T) {
	got := make(chan string, 1)

	groutine.Go(context.Background(), "test-worker", func(ctx context.Context) {
		got <- groutine.GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "test-worker", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoNilParentContext(t *testing.T) {
	done := make(chan context.Context, 1)

	groutine.Go(nil, "orphan", func(ctx context.Context) {
		done <- ctx
	})

	select {
	case ctx := <-done:
		require.NotNil(t, ctx)
		assert.NoError(t, ctx.Err())
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGetNameOutsideGo(t *testing.T) {
	assert.Empty(t, groutine.GetName(context.Background()))
	assert.Empty(t, groutine.GetName(nil))
}

func TestGetGIDNonZero(t *testing.T) {
	assert.NotZero(t, groutine.GetGID())
}
