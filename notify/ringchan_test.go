package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannelDropOldest(t *testing.T) {
	// GOAL: Verify producers never block and the oldest element is dropped
	// when the buffer is full
	//
	// TEST SCENARIO: Fill a capacity-2 ring with 3 sends → first element
	// gone, last two delivered, drop reported

	rc := NewRingChannel[int](2)

	_, dropped := rc.Send(1)
	assert.False(t, dropped)
	_, dropped = rc.Send(2)
	assert.False(t, dropped)
	evicted, dropped := rc.Send(3)
	assert.True(t, dropped)
	assert.Equal(t, 1, evicted, "the oldest element is the one evicted")

	assert.Equal(t, 2, <-rc.C())
	assert.Equal(t, 3, <-rc.C())
	assert.Equal(t, int64(1), rc.Dropped())
	assert.Equal(t, int64(3), rc.Written())
}

func TestRingChannelDeliversInOrder(t *testing.T) {
	rc := NewRingChannel[int](8)
	for i := 0; i < 5; i++ {
		rc.Send(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, int64(0), rc.Dropped())
}

func TestRingChannelCloseEndsRange(t *testing.T) {
	rc := NewRingChannel[string](4)
	rc.Send("last")
	rc.Close()

	v, ok := <-rc.C()
	require.True(t, ok)
	assert.Equal(t, "last", v)

	_, ok = <-rc.C()
	assert.False(t, ok)
}

func TestRingChannelRejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}
