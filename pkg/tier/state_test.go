package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateInit, StateAwaitingGraph, true},
		{StateInit, StateReady, true},
		{StateInit, StateProcessing, false},
		{StateAwaitingGraph, StateReady, true},
		{StateAwaitingGraph, StateProcessing, false},
		{StateReady, StateProcessing, true},
		{StateReady, StateAwaitingGraph, false},
		{StateProcessing, StateReady, true},
		{StateProcessing, StateDegraded, true},
		{StateDegraded, StateReady, false},
		{StateDegraded, StateProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			m := &StateMachine{state: tt.from}
			err := m.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, m.Current())
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition)
				assert.Equal(t, tt.from, m.Current())
			}
		})
	}
}

func TestStateMachineRecover(t *testing.T) {
	var changes []string
	m := NewStateMachine(func(from, to State) {
		changes = append(changes, from.String()+">"+to.String())
	})

	assert.ErrorIs(t, m.Recover(StateReady), ErrNotDegraded)

	require.NoError(t, m.Transition(StateDegraded))
	assert.Error(t, m.Recover(StateProcessing))
	require.NoError(t, m.Recover(StateAwaitingGraph))
	assert.Equal(t, StateAwaitingGraph, m.Current())
	assert.Equal(t, []string{"INIT>DEGRADED", "DEGRADED>AWAITING_GRAPH"}, changes)
}
