package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferKeepsNewestAfterWrap(t *testing.T) {
	rb := NewRingBuffer[int](3)
	assert.Empty(t, rb.GetAll())

	rb.Push(1)
	rb.Push(2)
	assert.Equal(t, []int{1, 2}, rb.GetAll())
	assert.Equal(t, 2, rb.Len())

	rb.Push(3)
	rb.Push(4)
	rb.Push(5)
	assert.Equal(t, []int{3, 4, 5}, rb.GetAll(), "oldest entries fall off on wrap")
	assert.Equal(t, 3, rb.Len())

	rb.Clear()
	assert.Zero(t, rb.Len())
	rb.Push(6)
	assert.Equal(t, []int{6}, rb.GetAll())
}
