package ksysmetrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := NewCollector("test")
	c.Collect(context.Background())

	names := map[string]bool{}
	for _, m := range c.GetRegistry().Read() {
		names[m.Descriptor.Name] = true
	}
	assert.True(t, names["process_goroutines"])
	assert.True(t, names["process_heap_bytes"])
	assert.True(t, names["process_user_cpu_seconds"])
	assert.Greater(t, c.goroutines.Load(), int64(0))
	assert.Greater(t, c.heapBytes.Load(), int64(0))
}
