package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliverNonBlocking(t *testing.T) {
	c := NewClient("c1", nil, 1)

	assert.True(t, c.Deliver([]byte("a")))
	assert.False(t, c.Deliver([]byte("b")), "full buffer must not block")

	<-c.Send
	c.Close()
	assert.False(t, c.Deliver([]byte("c")), "closed client rejects")
	c.Close()
}

func TestHubBroadcastDropsSlowClients(t *testing.T) {
	h := NewHub()
	fast := NewClient("fast", nil, 4)
	slow := NewClient("slow", nil, 1)
	h.AddClient(fast)
	h.AddClient(slow)

	h.Broadcast([]byte("one"))
	h.Broadcast([]byte("two"))

	assert.Equal(t, 1, h.Count())
	assert.Len(t, fast.Send, 2)
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client should be closed")
	}
}

func TestHubCloseAll(t *testing.T) {
	h := NewHub()
	a := NewClient("a", nil, 1)
	h.AddClient(a)
	h.AddClient(NewClient("b", nil, 1))

	h.CloseAll()

	assert.Equal(t, 0, h.Count())
	_, open := <-a.Done()
	assert.False(t, open)
}
