package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutAndDrop(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TaskFired, Data: TaskEvent{Task: "FetchRate_task_1"}})
	b.Publish(Event{Type: TaskFinished})

	first := <-a
	assert.Equal(t, TaskFired, first.Type)
	assert.False(t, first.Time.IsZero())
	assert.Equal(t, "FetchRate_task_1", first.Data.(TaskEvent).Task)
	assert.Equal(t, uint64(1), b.Dropped(), "second event dropped for the size-1 subscriber")

	require.Len(t, c, 2)

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)
	b.Publish(Event{Type: TaskFailed})
	assert.Len(t, c, 3)
}
