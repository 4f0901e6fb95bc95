package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateSpeaking, true},
		{StateIdle, StateListening, true},
		{StateIdle, StateProcessing, false},
		{StateListening, StateProcessing, true},
		{StateListening, StateSpeaking, false},
		{StateProcessing, StateProcessing, false},
		{StateProcessing, StateSpeaking, true},
		{StateProcessing, StateListening, true},
		{StateSpeaking, StateListening, true},
		{StateSpeaking, StateProcessing, false},
		{StateSpeaking, StateEnded, true},
		{StateEnded, StateListening, false},
		{StateEnded, StateEnded, false},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			got, err := Transition(tc.from, tc.to)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.to, got)
				return
			}
			assert.Equal(t, tc.from, got)
			assert.True(t, errors.Is(err, ErrIllegalTransition))
			var terr *TransitionError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tc.from, terr.From)
			assert.Equal(t, tc.to, terr.To)
		})
	}
}

func TestEveryLiveStateCanEnd(t *testing.T) {
	for _, s := range []State{StateIdle, StateListening, StateProcessing, StateSpeaking} {
		_, err := Transition(s, StateEnded)
		assert.NoError(t, err, s.String())
	}
}

func TestStateText(t *testing.T) {
	b, err := StateSpeaking.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "speaking", string(b))
	assert.True(t, StateProcessing.Busy())
	assert.False(t, StateListening.Busy())
	assert.Equal(t, "state(9)", State(9).String())
}
