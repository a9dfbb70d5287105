//go:build linux

package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMemoryStats_Linux(t *testing.T) {
	total, available, err := getMemoryStats()
	require.NoError(t, err)

	assert.NotZero(t, total)
	assert.LessOrEqual(t, available, total)

	t.Logf("Memory stats: total=%.2f GB, available=%.2f GB",
		float64(total)/(1024*1024*1024), float64(available)/(1024*1024*1024))
}

func TestGetProcessRSS_Linux(t *testing.T) {
	rss, err := getProcessRSS()
	require.NoError(t, err)
	assert.NotZero(t, rss)
}

func TestGetSystemMetrics_Linux(t *testing.T) {
	rig := newTestRig(t, WorkerPoolConfig{Workers: 3})

	m := rig.pool.GetSystemMetrics()
	assert.Equal(t, 3, m.WorkersTotal)
	assert.Zero(t, m.WorkersActive)
	assert.Positive(t, m.MemoryTotalGB)
	assert.Positive(t, m.ProcessRSSMB)
	assert.Positive(t, m.Goroutines)
}
