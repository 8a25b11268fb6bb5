package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIsEmpty(t *testing.T) {
	rb := New(16)

	assert.True(t, rb.Empty())
	assert.Equal(t, 0, rb.UsedSize())
	assert.Equal(t, 16, rb.FreeSize())
	assert.Equal(t, 16, rb.Capacity())
}

func TestMarkUsedMarkFree(t *testing.T) {
	rb := New(16)

	copy(rb.FreeSlice(), "hello")
	rb.MarkUsed(5)

	assert.Equal(t, 5, rb.UsedSize())
	assert.Equal(t, 11, rb.FreeSize())
	assert.Equal(t, []byte("hello"), rb.UsedSlice())

	rb.MarkFree(2)

	assert.Equal(t, []byte("llo"), rb.UsedSlice())
	assert.Equal(t, 3, rb.UsedSize())
	// free region does not grow until Coalesce
	assert.Equal(t, 11, rb.FreeSize())
}

func TestCoalesce(t *testing.T) {
	rb := New(8)

	copy(rb.FreeSlice(), "abcdef")
	rb.MarkUsed(6)
	rb.MarkFree(4)

	rb.Coalesce()

	assert.Equal(t, []byte("ef"), rb.UsedSlice())
	assert.Equal(t, 6, rb.FreeSize())
}

func TestClear(t *testing.T) {
	rb := New(8)

	copy(rb.FreeSlice(), "abc")
	rb.MarkUsed(3)
	rb.Clear()

	assert.True(t, rb.Empty())
	assert.Equal(t, 8, rb.FreeSize())
}

func TestMarkUsedPastCapacityPanics(t *testing.T) {
	rb := New(4)

	assert.Panics(t, func() { rb.MarkUsed(5) })
}

func TestMarkFreePastUsedPanics(t *testing.T) {
	rb := New(4)
	rb.MarkUsed(2)

	assert.Panics(t, func() { rb.MarkFree(3) })
}
