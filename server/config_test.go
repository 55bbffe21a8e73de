package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/pgstore
chunk_size: 64MB
devices:
  - id: 1
    path: /dev/sdb
    capacity: 1TB
    chunk_count: 16
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.CheckpointInterval)
	require.Equal(t, 10*time.Second, cfg.ProposeTimeout)
	require.Equal(t, 16, cfg.ExecutorLanes)
	require.Equal(t, "/var/lib/pgstore/index", cfg.IndexDir)
}

func TestLoadConfigExplicitIndexDirNotOverridden(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/pgstore
index_dir: /var/lib/pgstore-index
chunk_size: 64MB
devices:
  - id: 1
    path: /dev/sdb
    capacity: 1TB
    chunk_count: 16
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/pgstore-index", cfg.IndexDir)
}

func TestLoadConfigMissingDataDirIsInvalid(t *testing.T) {
	path := writeConfig(t, `
chunk_size: 64MB
devices:
  - id: 1
    path: /dev/sdb
    capacity: 1TB
    chunk_count: 16
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigZeroChunkSizeIsInvalid(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/pgstore
devices:
  - id: 1
    path: /dev/sdb
    capacity: 1TB
    chunk_count: 16
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigNoDevicesIsInvalid(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/pgstore
chunk_size: 64MB
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigZeroChunkCountDeviceIsInvalid(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/pgstore
chunk_size: 64MB
devices:
  - id: 1
    path: /dev/sdb
    capacity: 1TB
    chunk_count: 0
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestChunksFromDevicesExpandsSequentialIDs(t *testing.T) {
	cfg := Config{
		ChunkSize: 1 << 20, // 1 MiB, one DataBlockSize-sized block count
		Devices: []DeviceConfig{
			{ID: 1, ChunkCount: 2},
			{ID: 2, ChunkCount: 3},
		},
	}
	chunks := cfg.ChunksFromDevices()
	require.Len(t, chunks, 5)
	for i, c := range chunks {
		require.Equal(t, uint32(i), c.ID)
	}
	require.Equal(t, uint32(1), chunks[0].DeviceID)
	require.Equal(t, uint32(1), chunks[1].DeviceID)
	require.Equal(t, uint32(2), chunks[2].DeviceID)
	require.Equal(t, uint32(2), chunks[3].DeviceID)
	require.Equal(t, uint32(2), chunks[4].DeviceID)

	blocksPerChunk := uint64(1<<20) / DataBlockSize
	require.Equal(t, blocksPerChunk, chunks[0].FreeBlocks)
}
