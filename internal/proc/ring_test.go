package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferUnderCapacity(t *testing.T) {
	rb := newRingBuffer(4)
	rb.Append("one\ntwo")

	assert.Equal(t, []string{"one", "two"}, rb.Lines())
	assert.Equal(t, 2, rb.Len())
}

func TestRingBufferWrapsAndKeepsRecent(t *testing.T) {
	rb := newRingBuffer(3)
	rb.Append("a\nb\nc\nd\ne")

	assert.Equal(t, []string{"c", "d", "e"}, rb.Lines())
	assert.Equal(t, 3, rb.Len())
}

func TestRingBufferTail(t *testing.T) {
	rb := newRingBuffer(10)
	rb.Append("a\nb\nc\nd")

	assert.Equal(t, "c\nd", rb.Tail(2))
	assert.Equal(t, "a\nb\nc\nd", rb.Tail(0))
	assert.Equal(t, "a\nb\nc\nd", rb.Tail(100))
}

func TestRingBufferReset(t *testing.T) {
	rb := newRingBuffer(3)
	rb.Append("a\nb\nc\nd")
	rb.Reset()

	assert.Empty(t, rb.Lines())
	assert.Equal(t, 0, rb.Len())
}
