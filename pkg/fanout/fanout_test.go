package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneToN_BroadcastsToEverySubscriber(t *testing.T) {
	o := NewOneToN[int](4)
	a := o.AddSubscriber()
	b := o.AddSubscriber()
	c := o.AddSubscriber()

	o.Put(42)

	for _, ch := range []<-chan Message[int]{a, b, c} {
		select {
		case msg := <-ch:
			assert.Equal(t, 42, msg.Value)
			assert.False(t, msg.Stop)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received broadcast")
		}
	}
}

func TestOneToN_PreservesOrderPerSubscriber(t *testing.T) {
	o := NewOneToN[int](8)
	ch := o.AddSubscriber()

	for i := 0; i < 5; i++ {
		o.Put(i)
	}

	for i := 0; i < 5; i++ {
		msg := <-ch
		assert.Equal(t, i, msg.Value)
	}
}

func TestOneToN_SubscriberAddedAfterPutDoesNotSeeOldMessages(t *testing.T) {
	o := NewOneToN[int](4)
	first := o.AddSubscriber()

	o.Put(1)
	<-first

	second := o.AddSubscriber()
	o.Put(2)

	msg := <-second
	assert.Equal(t, 2, msg.Value)
}

func TestOneToN_CloseSendsStopAndClosesChannel(t *testing.T) {
	o := NewOneToN[int](2)
	ch := o.AddSubscriber()

	o.Close()

	msg, ok := <-ch
	require.True(t, ok)
	assert.True(t, msg.Stop)

	_, ok = <-ch
	assert.False(t, ok, "channel should be closed after the stop sentinel")
}

func TestOneToN_SubscriberCount(t *testing.T) {
	o := NewOneToN[int](1)
	assert.Equal(t, 0, o.SubscriberCount())

	o.AddSubscriber()
	o.AddSubscriber()
	assert.Equal(t, 2, o.SubscriberCount())
}
