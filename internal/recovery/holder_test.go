package recovery

import (
	"context"
	"testing"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/statemachine"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statesync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type level string

func TestNamedHolderRoundTrip(t *testing.T) {
	s, err := statesync.New[level](statesync.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	m, err := statemachine.NewBuilder[level]().Initial("low").Transition("low", "high").Build()
	require.NoError(t, err)
	require.NoError(t, s.Register("pump", m))

	mgr := newManager(t, newMemStorage(), nil)
	require.NoError(t, mgr.Track("levels", Named[level](s)))
	require.NoError(t, mgr.Track("engine", newHolder(t, "engine")))

	snap, err := mgr.CreateSnapshot(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "low", snap.States["levels/pump"])

	require.NoError(t, s.UpdateState(context.Background(), "pump", "high", nil))
	require.NoError(t, mgr.RestoreFromSnapshot(context.Background(), snap))
	assert.Equal(t, level("low"), m.Current())

	assert.Error(t, Named[level](s).RestoreStates(map[string]string{"pump": "boiling"}))
}
