package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"flowtomanual/agent/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memPersister struct {
	mu     sync.Mutex
	values map[string][]byte
	err    error
}

func newMemPersister() *memPersister {
	return &memPersister{values: map[string][]byte{}}
}

func (m *memPersister) Set(_ context.Context, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for k, v := range values {
		raw, _ := json.Marshal(v)
		m.values[k] = raw
	}
	return nil
}

func (m *memPersister) GetInto(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func TestStartStopNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	svc := NewService(p, zaptest.NewLogger(t))

	var seen []State
	unsubscribe := svc.Subscribe(func(st State) { seen = append(seen, st) })

	require.NoError(t, svc.Start(ctx, "http://localhost:8080", 7))
	require.NoError(t, svc.Stop(ctx))
	unsubscribe()
	require.NoError(t, svc.Start(ctx, "http://localhost:8080", 0))

	require.Len(t, seen, 2)
	assert.Equal(t, State{IsRecording: true, AppOrigin: "http://localhost:8080", AppTabID: 7}, seen[0])
	assert.Equal(t, State{IsRecording: false, AppOrigin: "http://localhost:8080", AppTabID: 7}, seen[1])
	assert.Equal(t, 7, svc.Snapshot().AppTabID, "zero tab id keeps the previous app tab")
}

func TestRestoreReadsPersistedState(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	require.NoError(t, NewService(p, zaptest.NewLogger(t)).Start(ctx, "https://ftm.app", 3))

	restored := NewService(p, zaptest.NewLogger(t))
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, State{IsRecording: true, AppOrigin: "https://ftm.app", AppTabID: 3}, restored.Snapshot())

	var raw bool
	ok, err := p.GetInto(ctx, store.KeyIsRecording, &raw)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, raw)
}

func TestStartKeepsStateOnPersistFailure(t *testing.T) {
	p := newMemPersister()
	p.err = errors.New("disk full")
	svc := NewService(p, zaptest.NewLogger(t))

	require.Error(t, svc.Start(context.Background(), "http://localhost:8080", 1))
	assert.False(t, svc.Snapshot().IsRecording)
}

func TestIsAppURL(t *testing.T) {
	st := State{AppOrigin: "http://localhost:8080"}
	assert.True(t, st.IsAppURL("http://localhost:8080/dashboard"))
	assert.False(t, st.IsAppURL("https://example.com"))
	assert.False(t, st.IsAppURL(""))
	assert.False(t, State{}.IsAppURL("http://localhost:8080"))
}
