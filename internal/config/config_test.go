package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
workers: 8
chunk_size_threshold: 128
stats_cache_entries: 256
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 128, cfg.ChunkSizeThreshold)
	assert.Equal(t, 256, cfg.StatsCacheEntries)
	assert.Equal(t, Default().QueueCapacity, cfg.QueueCapacity)

	mc := cfg.Marking(nil)
	assert.Equal(t, 8, mc.Workers)
	assert.Equal(t, 128, mc.ChunkThreshold)
	assert.Equal(t, cfg.SATBBufferSize, cfg.SATB().BufferSize)
	assert.Equal(t, 60, cfg.Heuristics(nil).TriggerPercent)
	assert.Equal(t, 4, cfg.OldGen(nil, nil).EvacuationReserveRegions)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"cache not pow2":   "stats_cache_entries: 1000\n",
		"zero workers":     "workers: 0\n",
		"queue not pow2":   "queue_capacity: 3\n",
		"trigger too high": "old_occupancy_trigger_percent: 101\n",
		"tiny regions":     "region_words: 8\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadReportsParseAndReadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "workers: [1, 2\n"))
	require.Error(t, err)
}
