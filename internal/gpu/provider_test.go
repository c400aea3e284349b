package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	_, _, ok := Aggregate(nil)
	assert.False(t, ok)

	util, mem, ok := Aggregate([]Metrics{
		{UUID: "GPU-a", GPUUtil: 40, MemoryUsed: 1024},
		{UUID: "GPU-b", GPUUtil: 80, MemoryUsed: 2048},
	})
	assert.True(t, ok)
	assert.InDelta(t, 60.0, util, 0.001)
	assert.Equal(t, int64(3072), mem)
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider([]Metrics{{UUID: "GPU-a", GPUUtil: 10}})
	assert.NoError(t, p.Init())
	n, err := p.GetDeviceCount()
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
