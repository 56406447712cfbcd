package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetcharr/internal/storage"
)

func TestPublishFanout(t *testing.T) {
	b := NewBus[int](4)
	ch1, un1 := b.Subscribe()
	ch2, un2 := b.Subscribe()
	defer un1()
	defer un2()

	b.Publish(42)

	select {
	case v := <-ch1:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 got nothing")
	}
	select {
	case v := <-ch2:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 got nothing")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBus[int](2)
	ch, un := b.Subscribe()
	defer un()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// Only the buffered prefix survives.
	assert.Equal(t, 0, <-ch)
	assert.Equal(t, 1, <-ch)
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus[int](1)
	ch, un := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	un()
	un() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())

	// Publishing after unsubscribe must not panic.
	b.Publish(1)
}

func TestCloseBus(t *testing.T) {
	b := NewBus[int](1)
	ch, _ := b.Subscribe()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	b.Publish(1)
	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestFabricSnapshotsTask(t *testing.T) {
	f := NewFabric()
	defer f.Close()

	ch, un := f.Lifecycle.Subscribe()
	defer un()

	task := &storage.Task{ID: "t1", State: storage.StateDownloading, RetryCount: 2, ErrorMessage: "previous"}
	f.PublishTask(TaskUpdated, task)

	// Mutating the original after publish must not affect the event.
	task.State = storage.StateFailed

	select {
	case ev := <-ch:
		require.NotNil(t, ev.Task)
		assert.Equal(t, TaskUpdated, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.Equal(t, storage.StateDownloading, ev.Task.State)
		assert.Equal(t, storage.StateDownloading, ev.NewState)
		assert.Equal(t, 2, ev.RetryCount)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishRemoved(t *testing.T) {
	f := NewFabric()
	defer f.Close()

	ch, un := f.Lifecycle.Subscribe()
	defer un()

	f.PublishRemoved("gone")
	select {
	case ev := <-ch:
		assert.Equal(t, TaskRemoved, ev.Type)
		assert.Equal(t, "gone", ev.TaskID)
		assert.Nil(t, ev.Task)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishTransitionDiscriminates(t *testing.T) {
	f := NewFabric()
	defer f.Close()
	ch, un := f.Lifecycle.Subscribe()
	defer un()

	recv := func() Event {
		t.Helper()
		select {
		case ev := <-ch:
			return ev
		case <-time.After(time.Second):
			t.Fatal("no event")
			return Event{}
		}
	}

	task := &storage.Task{ID: "t1", State: storage.StatePaused, RetryCount: 1}
	f.PublishTransition(task, storage.StateDownloading)
	ev := recv()
	assert.Equal(t, TaskStateChanged, ev.Type)
	assert.Equal(t, storage.StateDownloading, ev.OldState)
	assert.Equal(t, storage.StatePaused, ev.NewState)
	assert.Equal(t, 1, ev.RetryCount)

	task.State = storage.StateFailed
	task.ErrorMessage = "link dead"
	f.PublishTransition(task, storage.StateDownloading)
	ev = recv()
	assert.Equal(t, TaskFailed, ev.Type)
	assert.Equal(t, "link dead", ev.Error)

	task.State = storage.StateCompleted
	task.ErrorMessage = ""
	f.PublishTransition(task, storage.StateDownloading)
	ev = recv()
	assert.Equal(t, TaskCompleted, ev.Type)
	assert.Equal(t, storage.StateDownloading, ev.OldState)
}
