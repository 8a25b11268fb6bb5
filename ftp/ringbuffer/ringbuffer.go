// Package ringbuffer implements the contiguous byte buffer
// used between the sockets, the codec and the filesystem.
package ringbuffer

// RingBuffer is a contiguous buffer with a used region followed by a
// free region. Data is produced into the free region with FreeSlice +
// MarkUsed and consumed from the used region with UsedSlice + MarkFree.
// Coalesce moves the used region back to offset zero so the free region
// grows again.
type RingBuffer struct {
	data  []byte
	start int
	end   int
}

// New creates a RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	return &RingBuffer{
		data: make([]byte, capacity),
	}
}

// UsedSlice returns the region holding pending data.
func (rb *RingBuffer) UsedSlice() []byte {
	return rb.data[rb.start:rb.end]
}

// FreeSlice returns the region available for new data.
func (rb *RingBuffer) FreeSlice() []byte {
	return rb.data[rb.end:]
}

// MarkUsed commits n bytes written into FreeSlice.
func (rb *RingBuffer) MarkUsed(n int) {
	if n < 0 || rb.end+n > len(rb.data) {
		panic("ringbuffer: MarkUsed past capacity")
	}
	rb.end += n
}

// MarkFree releases n bytes consumed from UsedSlice.
func (rb *RingBuffer) MarkFree(n int) {
	if n < 0 || rb.start+n > rb.end {
		panic("ringbuffer: MarkFree past used region")
	}
	rb.start += n
}

// Coalesce moves the used region to the front of the buffer.
func (rb *RingBuffer) Coalesce() {
	if rb.start == 0 {
		return
	}
	copy(rb.data, rb.data[rb.start:rb.end])
	rb.end -= rb.start
	rb.start = 0
}

// Clear discards all data.
func (rb *RingBuffer) Clear() {
	rb.start = 0
	rb.end = 0
}

// Empty reports whether there is no pending data.
func (rb *RingBuffer) Empty() bool {
	return rb.start == rb.end
}

// UsedSize returns the number of pending bytes.
func (rb *RingBuffer) UsedSize() int {
	return rb.end - rb.start
}

// FreeSize returns the number of bytes available for new data.
func (rb *RingBuffer) FreeSize() int {
	return len(rb.data) - rb.end
}

// Capacity returns the total buffer size.
func (rb *RingBuffer) Capacity() int {
	return len(rb.data)
}
