package schederr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesSentinelOfSameKind(t *testing.T) {
	err := New(KindStaleSequence, "uid-1", "", "sequence %d below stored %d", 1, 3)

	assert.ErrorIs(t, err, ErrStaleSequence)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Equal(t, "stale_sequence uid=uid-1: sequence 1 below stored 3", err.Error())
}

func TestError_WrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindParse, cause, "", "", "decode calendar")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "boom")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", New(KindOrphanConflict, "u", "r", "x"), KindOrphanConflict},
		{"wrapped typed", fmt.Errorf("commit: %w", New(KindUnknownAttendee, "u", "", "x")), KindUnknownAttendee},
		{"bare sentinel", fmt.Errorf("x: %w", ErrRecurrenceIDNotFound), KindRecurrenceIDNotFound},
		{"foreign", errors.New("other"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
