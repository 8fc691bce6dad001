package fillercache

import (
	"fmt"
	"testing"
	"time"
)

func newTestCache(capacity int, ttl time.Duration) (*Cache, *time.Time) {
	c := New(capacity, ttl)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestPutGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)
	c.Put("voice-a", "en", []byte("audio-a"))

	got, ok := c.Get("voice-a", "en")
	if !ok || string(got) != "audio-a" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if _, ok := c.Get("voice-a", "de"); ok {
		t.Error("language is part of the key")
	}
	if _, ok := c.Get("voice-b", "en"); ok {
		t.Error("voice is part of the key")
	}
}

func TestTTLExpiryOnAccess(t *testing.T) {
	c, now := newTestCache(4, time.Minute)
	c.Put("voice-a", "en", []byte("audio"))

	*now = now.Add(59 * time.Second)
	if _, ok := c.Get("voice-a", "en"); !ok {
		t.Fatal("entry expired early")
	}

	*now = now.Add(2 * time.Second)
	if _, ok := c.Get("voice-a", "en"); ok {
		t.Fatal("entry must expire after the TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry must be removed, len = %d", c.Len())
	}
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	c, now := newTestCache(3, time.Hour)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("voice-%d", i), "en", []byte("a"))
		*now = now.Add(time.Second)
	}

	c.Put("voice-3", "en", []byte("a"))
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	if _, ok := c.Get("voice-0", "en"); ok {
		t.Error("oldest entry must be the one evicted")
	}
	if _, ok := c.Get("voice-3", "en"); !ok {
		t.Error("newest entry missing")
	}
}

func TestRetainedVoiceSkippedForEviction(t *testing.T) {
	c, now := newTestCache(2, time.Hour)
	c.Put("in-use", "en", []byte("a"))
	*now = now.Add(time.Second)
	c.Put("idle", "en", []byte("a"))
	c.Retain("in-use")

	*now = now.Add(time.Second)
	c.Put("new", "en", []byte("a"))

	if _, ok := c.Get("in-use", "en"); !ok {
		t.Fatal("retained voice must never be evicted")
	}
	if _, ok := c.Get("idle", "en"); ok {
		t.Error("the unretained entry should have been evicted instead")
	}
}

func TestCacheMayExceedCapacityWhenAllRetained(t *testing.T) {
	c, _ := newTestCache(1, time.Hour)
	c.Put("voice-a", "en", []byte("a"))
	c.Retain("voice-a")
	c.Put("voice-b", "en", []byte("b"))

	if c.Len() != 2 {
		t.Errorf("len = %d; live audio must not be dropped to honor capacity", c.Len())
	}
}

func TestReleaseMakesVoiceEvictable(t *testing.T) {
	c, now := newTestCache(1, time.Hour)
	c.Put("voice-a", "en", []byte("a"))
	c.Retain("voice-a")
	c.Retain("voice-a")
	c.Release("voice-a")

	*now = now.Add(time.Second)
	c.Put("voice-b", "en", []byte("b"))
	if _, ok := c.Get("voice-a", "en"); !ok {
		t.Fatal("one release of two retains must keep the voice protected")
	}

	c.Release("voice-a")
	*now = now.Add(time.Second)
	c.Put("voice-c", "en", []byte("c"))
	if _, ok := c.Get("voice-a", "en"); ok {
		t.Error("fully released voice must be evictable again")
	}
}
