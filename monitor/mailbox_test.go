package monitor

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMailbox(t *testing.T) {
	b := newMailbox()
	for i := 0; i < 1000; i++ {
		assert.True(t, b.put(Event{Kind: Kind(i)}))
	}
	b.close()
	assert.False(t, b.put(Event{}))

	i := 0
	for e := range b.out {
		assert.Equal(t, Kind(i), e.Kind)
		i++
	}
	assert.Equal(t, 1000, i)
}

func TestMailbox_Start(t *testing.T) {
	b := newMailbox()
	assert.True(t, b.put(Event{Kind: SlotEvent}))

	select {
	case <-b.out:
		t.Fatal("delivered before start")
	case <-time.After(20 * time.Millisecond):
	}

	b.start()
	b.start()
	e := <-b.out
	assert.Equal(t, SlotEvent, e.Kind)

	b.close()
	_, ok := <-b.out
	assert.False(t, ok)
}

func TestMonitor_NotStarted(t *testing.T) {
	before := runtime.NumGoroutine()
	var list []*Monitor
	for i := 0; i < 50; i++ {
		list = append(list, New(nil, nil))
	}
	assert.Less(t, runtime.NumGoroutine()-before, 10)
	assert.Len(t, list, 50)
}
