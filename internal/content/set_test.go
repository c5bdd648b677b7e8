package content

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetReplacesAndRemoves(t *testing.T) {
	ctx := context.Background()
	set := NewSet()

	first, firstHooks, _, states := newInjector(t, 4, "https://shop.example.com")
	require.NoError(t, set.Add(ctx, 4, first))
	require.NoError(t, states.Start(ctx, appOrigin, 7))
	require.Eventually(t, firstHooks.installed, time.Second, 5*time.Millisecond)

	second, _, _, _ := newInjector(t, 4, "https://shop.example.com")
	require.NoError(t, set.Add(ctx, 4, second))
	assert.False(t, firstHooks.installed())
	assert.Equal(t, 1, set.Len())

	got, ok := set.Get(4)
	require.True(t, ok)
	assert.Same(t, second, got)

	set.Drain()
	require.NoError(t, set.Remove(ctx, 4))
	require.NoError(t, set.Remove(ctx, 4))
	assert.Zero(t, set.Len())
}
