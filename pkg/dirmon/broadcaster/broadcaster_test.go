package broadcaster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
)

func testEvent(t EventType, path string) *Event {
	n := node.New(path, nil)
	n.Add(node.Totals{Count: 1, Size: 42})
	return NewEvent(t, n)
}

func TestBroadcaster_Subscribe(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("/tmp/test", 0)
	require.NotNil(t, sub)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, DefaultBuffer, cap(sub.Events))
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestBroadcaster_Notify(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("/tmp/test", 4)
	b.Notify(testEvent(EventAdd, "/tmp/test/a"))

	select {
	case event := <-sub.Events:
		assert.Equal(t, EventAdd, event.Type)
		assert.Equal(t, "/tmp/test/a", event.Path)
		assert.Equal(t, node.Totals{Count: 1, Size: 42}, event.Totals)
		assert.NotNil(t, event.Node)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected event not received")
	}
}

func TestBroadcaster_FiltersByRoot(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("/tmp/test", 4)
	all := b.Subscribe("", 4)

	b.Notify(testEvent(EventDelete, "/tmp/testing/other"))
	b.Notify(testEvent(EventDelete, "/tmp/test"))

	require.Len(t, sub.Events, 1)
	assert.Equal(t, "/tmp/test", (<-sub.Events).Path)
	assert.Len(t, all.Events, 2)
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	subs := []*Subscriber{b.Subscribe("", 1), b.Subscribe("", 1), b.Subscribe("", 1)}
	b.Notify(testEvent(EventAdd, "/x"))

	for _, sub := range subs {
		assert.Len(t, sub.Events, 1)
	}
}

func TestBroadcaster_FullBufferDrops(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("", 1)
	b.Notify(testEvent(EventAdd, "/a"))
	b.Notify(testEvent(EventAdd, "/b"))

	assert.Len(t, sub.Events, 1)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("", 1)
	b.Unsubscribe(sub.ID)

	_, ok := <-sub.Events
	assert.False(t, ok, "channel should be closed")
	assert.Zero(t, b.SubscriberCount())
	b.Unsubscribe(sub.ID)
}

func TestBroadcaster_Close(t *testing.T) {
	b := New()
	sub := b.Subscribe("", 1)

	b.Close()
	b.Close()

	_, ok := <-sub.Events
	assert.False(t, ok)
	assert.Nil(t, b.Subscribe("", 1))
	assert.NotPanics(t, func() { b.Notify(testEvent(EventAdd, "/a")) })
}

func TestBroadcaster_ConcurrentNotify(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("", 1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Notify(testEvent(EventAdd, "/a"))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, sub.Events, 500)
	assert.Zero(t, b.Dropped())
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "add", EventAdd.String())
	assert.Equal(t, "delete", EventDelete.String())
}
