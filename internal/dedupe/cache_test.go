// ABOUTME: Tests for the dedupe cache used to reject duplicate envelopes.
// ABOUTME: Covers fingerprints, the TTL window, size eviction, and concurrent CheckAndMark.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name  string
		a, b  []string
		equal bool
	}{
		{"same parts", []string{"u1", "c1", "hi"}, []string{"u1", "c1", "hi"}, true},
		{"different content", []string{"u1", "c1", "hi"}, []string{"u1", "c1", "hello"}, false},
		{"different channel", []string{"u1", "c1", "hi"}, []string{"u1", "c2", "hi"}, false},
		{"separator matters", []string{"ab", "c"}, []string{"a", "bc"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa, fb := Fingerprint(tt.a...), Fingerprint(tt.b...)
			assert.Len(t, fa, 64)
			assert.Equal(t, tt.equal, fa == fb)
		})
	}
}

func TestCache_DuplicateInsideWindow(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()
	key := Fingerprint("u1", "c1", "hello")

	assert.False(t, c.Check(key))
	assert.False(t, c.CheckAndMark(key), "first sighting is not a duplicate")
	assert.True(t, c.CheckAndMark(key), "second sighting is a duplicate")
	assert.True(t, c.Check(key))
	assert.Equal(t, 1, c.Len())
}

func TestCache_WindowExpires(t *testing.T) {
	c := New(40*time.Millisecond, 10)
	defer c.Close()
	key := Fingerprint("u1", "c1", "hello")

	c.Mark(key)
	require.True(t, c.Check(key))

	assert.Eventually(t, func() bool { return !c.Check(key) }, time.Second, 10*time.Millisecond)
	assert.False(t, c.CheckAndMark(key), "expired key counts as new")
	assert.True(t, c.Check(key))
}

func TestCache_MarkRefreshesWindow(t *testing.T) {
	c := New(80*time.Millisecond, 10)
	defer c.Close()

	c.Mark("k")
	time.Sleep(50 * time.Millisecond)
	c.Mark("k")
	time.Sleep(50 * time.Millisecond)

	assert.True(t, c.Check("k"), "second mark restarted the window")
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for _, k := range []string{"a", "b", "c"} {
		c.Mark(k)
	}
	c.Mark("a") // a is now the most recent
	c.Mark("d")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Check("b"), "least recently marked key is evicted")
	for _, k := range []string{"a", "c", "d"} {
		assert.True(t, c.Check(k), k)
	}
}

func TestCache_Forget(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	c.Mark("k")
	c.Forget("k")
	assert.False(t, c.Check("k"))
	assert.False(t, c.CheckAndMark("k"))
}

func TestCache_Defaults(t *testing.T) {
	c := New(0, 0)
	defer c.Close()

	assert.Equal(t, DefaultTTL, c.TTL())
	for i := range DefaultMaxSize + 5 {
		c.Mark(Fingerprint("u", "c", string(rune('a'+i%26)), time.Duration(i).String()))
	}
	assert.Equal(t, DefaultMaxSize, c.Len())
}

func TestCache_CheckAndMarkIsAtomic(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()
	key := Fingerprint("u1", "c1", "race")

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark(key) {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load(), "exactly one caller sees the key as new")
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Mark("k")

	c.Close()
	c.Close()

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Check("k"))
}
