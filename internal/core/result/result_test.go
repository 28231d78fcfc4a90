package result

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestAbsorb(t *testing.T) {
	t.Run("AndsSuccess", func(t *testing.T) {
		tests := []struct {
			name  string
			left  bool
			right bool
			want  bool
		}{
			{"both ok", true, true, true},
			{"left failed", false, true, false},
			{"right failed", true, false, false},
			{"both failed", false, false, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := Result[int]{Success: tt.left}
				Absorb(&r, Result[string]{Success: tt.right})
				assert.Equal(t, tt.want, r.Success)
			})
		}
	})

	t.Run("ConcatenatesMessages", func(t *testing.T) {
		r := OK(1)
		r.AddWarning("w%d", 1)
		r.AddNotice("n1")

		other := Fail("", errBoom)
		other.AddWarning("w2")
		other.AddNotice("n2")

		Absorb(&r, other)
		assert.False(t, r.Success)
		assert.Equal(t, 1, r.Value)
		assert.Equal(t, []string{"w1", "w2"}, r.Warnings)
		assert.Equal(t, []string{"n1", "n2"}, r.Notices)
		require.Len(t, r.Errors, 1)
		assert.ErrorIs(t, r.Errors[0], errBoom)
	})
}

func TestAddError(t *testing.T) {
	r := OK("value")
	r.AddError(nil)
	assert.True(t, r.Success)

	r.AddError(errBoom)
	assert.False(t, r.Success)
	assert.True(t, r.Is(errBoom))
	assert.ErrorIs(t, r.Err(), errBoom)
}

func TestFailDropsNilErrors(t *testing.T) {
	r := Fail(0, nil, errBoom, nil)
	assert.False(t, r.Success)
	assert.Len(t, r.Errors, 1)
}

func TestMap(t *testing.T) {
	ok := Map(OK(2), "", func(v int) string { return "two" })
	assert.True(t, ok.Success)
	assert.Equal(t, "two", ok.Value)

	called := false
	failed := Map(Fail(2, errBoom), "none", func(v int) string {
		called = true
		return "two"
	})
	assert.False(t, called)
	assert.False(t, failed.Success)
	assert.Equal(t, "none", failed.Value)
	assert.NoError(t, OK(1).Err())
}
