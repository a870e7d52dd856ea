package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkhub/wahub/internal/driver"
)

type stubClient struct {
	driver.Client
	name string
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get(1))

	first := &stubClient{name: "first"}
	r.Put(1, first)
	require.Equal(t, first, r.Get(1))
	assert.Equal(t, 1, r.Count())

	// Re-registering replaces: the registry holds at most one handle per id.
	second := &stubClient{name: "second"}
	r.Put(1, second)
	assert.Equal(t, second, r.Get(1))
	assert.Equal(t, 1, r.Count())

	r.Remove(1)
	assert.Nil(t, r.Get(1))
	assert.Equal(t, 0, r.Count())
}

func TestRegistryAccountIDs(t *testing.T) {
	r := NewRegistry()
	r.Put(7, &stubClient{})
	r.Put(9, &stubClient{})

	ids := r.AccountIDs()
	assert.ElementsMatch(t, []int64{7, 9}, ids)
}

func TestTimerRegistryTrackReplacesPrevious(t *testing.T) {
	tr := NewTimerRegistry()

	firstCancelled := false
	tr.Track(1, TimerFastPoll, func() { firstCancelled = true })
	assert.Equal(t, 1, tr.Active(1))

	tr.Track(1, TimerFastPoll, func() {})
	assert.True(t, firstCancelled, "tracking under an occupied key must cancel the old timer")
	assert.Equal(t, 1, tr.Active(1))
}

func TestTimerRegistryCancel(t *testing.T) {
	tr := NewTimerRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	tr.Track(3, TimerQRNotice, cancel)
	tr.Cancel(3, TimerQRNotice)

	assert.Error(t, ctx.Err(), "cancel must fire the tracked function")
	assert.Equal(t, 0, tr.Active(3))

	// Unknown keys are no-ops.
	tr.Cancel(3, TimerQRNotice)
	tr.Cancel(99, "nothing")
}

func TestTimerRegistryCancelAll(t *testing.T) {
	tr := NewTimerRegistry()

	cancelled := 0
	tr.Track(5, TimerQRNotice, func() { cancelled++ })
	tr.Track(5, TimerFastPoll, func() { cancelled++ })
	tr.Track(6, TimerFastPoll, func() { cancelled++ })

	tr.CancelAll(5)
	assert.Equal(t, 2, cancelled)
	assert.Equal(t, 0, tr.Active(5))
	assert.Equal(t, 1, tr.Active(6))
}
