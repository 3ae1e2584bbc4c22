package ringbuf

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBuffer_EmptyRead(t *testing.T) {
	b := New[string](10)
	assert.Empty(t, b.ReadAll())
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_PartialFill(t *testing.T) {
	b := New[string](10)
	for i := 0; i < 5; i++ {
		_, evicted := b.Push(fmt.Sprintf("line-%d", i))
		assert.False(t, evicted)
	}

	got := b.ReadAll()
	require.Len(t, got, 5)
	for i, v := range got {
		assert.Equal(t, fmt.Sprintf("line-%d", i), v)
	}
}

func TestBuffer_Overflow(t *testing.T) {
	b := New[string](5)
	for i := 0; i < 8; i++ {
		b.Push(fmt.Sprintf("line-%d", i))
	}

	got := b.ReadAll()
	require.Len(t, got, 5)
	// Oldest three dropped.
	for i, v := range got {
		assert.Equal(t, fmt.Sprintf("line-%d", i+3), v)
	}
}

func TestBuffer_ExactCapacity(t *testing.T) {
	b := New[int](3)
	for i := 0; i < 3; i++ {
		b.Push(i)
	}
	assert.Equal(t, []int{0, 1, 2}, b.ReadAll())

	old, evicted := b.Push(3)
	assert.True(t, evicted)
	assert.Equal(t, 0, old)
	assert.Equal(t, []int{1, 2, 3}, b.ReadAll())
}

func TestBuffer_ZeroCapacity(t *testing.T) {
	b := New[int](0)
	b.Push(1)
	b.Push(2)
	assert.Equal(t, []int{2}, b.ReadAll())
	assert.Equal(t, 1, b.Cap())
}

// TestBuffer_EvictionProperty checks that after any number of pushes the
// buffer holds exactly the newest min(n, cap) values in insertion order.
func TestBuffer_EvictionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 50).Draw(rt, "capacity")
		n := rapid.IntRange(0, 200).Draw(rt, "n")

		b := New[int](capacity)
		for i := 0; i < n; i++ {
			_, evicted := b.Push(i)
			if evicted != (i >= capacity) {
				rt.Fatalf("push %d: evicted=%v with capacity %d", i, evicted, capacity)
			}
		}

		got := b.ReadAll()
		want := min(n, capacity)
		if len(got) != want {
			rt.Fatalf("len = %d, want %d", len(got), want)
		}
		for i, v := range got {
			if v != n-want+i {
				rt.Fatalf("index %d = %d, want %d", i, v, n-want+i)
			}
		}
	})
}
