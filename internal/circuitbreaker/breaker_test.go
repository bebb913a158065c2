package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(2, time.Minute)
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow("poll"))

	b.RecordFailure("poll")
	assert.Equal(t, StateClosed, b.State("poll"))
	b.RecordFailure("poll")
	assert.Equal(t, StateOpen, b.State("poll"))
	assert.False(t, b.Allow("poll"))

	now = now.Add(time.Minute)
	assert.True(t, b.Allow("poll"), "trial call after cooldown")
	assert.Equal(t, StateHalfOpen, b.State("poll"))
	assert.False(t, b.Allow("poll"), "only one trial call")

	b.RecordFailure("poll")
	assert.Equal(t, StateOpen, b.State("poll"))

	now = now.Add(time.Minute)
	assert.True(t, b.Allow("poll"))
	b.RecordSuccess("poll")
	assert.Equal(t, StateClosed, b.State("poll"))
	assert.True(t, b.Allow("poll"))

	assert.Equal(t, StateClosed, b.State("initiate"), "keys are independent")
}
