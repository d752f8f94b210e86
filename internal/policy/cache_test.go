package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuleCache_PutAndGet(t *testing.T) {
	c := NewRuleCache(50 * time.Millisecond)

	_, ok := c.Get("group:g1:u1")
	require.False(t, ok)

	c.Put("group:g1:u1", 0)
	code, ok := c.Get("group:g1:u1")
	require.True(t, ok)
	require.Equal(t, 0, code)
}

func TestRuleCache_ExpiresAfterTTL(t *testing.T) {
	c := NewRuleCache(10 * time.Millisecond)
	c.Put("k", 1)

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestRuleCache_Invalidate(t *testing.T) {
	c := NewRuleCache(time.Minute)
	c.Put("k", 1)
	require.Equal(t, 1, c.Len())

	c.Invalidate("k")
	_, ok := c.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestRuleCache_ReadersNeverBlockWriters(t *testing.T) {
	c := NewRuleCache(time.Minute)
	c.Put("a", 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			c.Get("a")
		}
		close(done)
	}()

	for i := 0; i < 1000; i++ {
		c.Put("b", i)
	}
	<-done
}
