package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockgrid/blockgrid/pkg/bytesize"
	"github.com/blockgrid/blockgrid/testutil"
)

func TestLoadCoordConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":9000"
data_dir: "/tmp/blockgrid-test"
block_size: "2MB"
transfer_rate: "50MB/s"
nodes:
  - id: node1
    address: "127.0.0.1:9001"
    capacity: "70MB"
  - id: node2
    address: "127.0.0.1:9002"
    capacity: 52428800
`
	path := testutil.TempFile(t, dir, "coord.yaml", content)

	cfg, err := LoadCoordConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, int64(2*bytesize.MB), cfg.BlockSize.Bytes())
	assert.Equal(t, int64(50*bytesize.MB), cfg.TransferRateBytes())
	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, "node1", cfg.Nodes[0].ID)
	assert.Equal(t, int64(70*bytesize.MB), cfg.Nodes[0].Capacity.Bytes())
	assert.Equal(t, int64(50*bytesize.MB), cfg.Nodes[1].Capacity.Bytes())
}

func TestLoadCoordConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
nodes:
  - id: node1
    address: "127.0.0.1:9001"
    capacity: "10MB"
`
	path := testutil.TempFile(t, dir, "coord.yaml", content)

	cfg, err := LoadCoordConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, int64(bytesize.MB), cfg.BlockSize.Bytes())
	assert.Equal(t, 4, cfg.UploadConcurrency)
	assert.Equal(t, 3, cfg.OfflineThreshold)
	assert.Equal(t, "3s", cfg.ProbeInterval)
	assert.Equal(t, int64(0), cfg.TransferRateBytes())
}

func TestLoadCoordConfig_FileNotFound(t *testing.T) {
	_, err := LoadCoordConfig("/nonexistent/path/coord.yaml")
	assert.Error(t, err)
}

func TestLoadCoordConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "coord.yaml", "nodes: [broken")
	_, err := LoadCoordConfig(path)
	assert.Error(t, err)
}

func TestCoordConfigValidate(t *testing.T) {
	base := func() *CoordConfig {
		cfg := &CoordConfig{
			Nodes: []NodeEntry{
				{ID: "a", Address: "127.0.0.1:9001", Capacity: bytesize.Size(bytesize.MB)},
				{ID: "b", Address: "127.0.0.1:9002", Capacity: bytesize.Size(bytesize.MB)},
			},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("no nodes", func(t *testing.T) {
		cfg := base()
		cfg.Nodes = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("duplicate node id", func(t *testing.T) {
		cfg := base()
		cfg.Nodes[1].ID = "a"
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing address", func(t *testing.T) {
		cfg := base()
		cfg.Nodes[0].Address = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero capacity", func(t *testing.T) {
		cfg := base()
		cfg.Nodes[0].Capacity = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad probe interval", func(t *testing.T) {
		cfg := base()
		cfg.ProbeInterval = "often"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad transfer rate", func(t *testing.T) {
		cfg := base()
		cfg.TransferRate = "fast"
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadNodeConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
id: node1
listen: ":9001"
data_dir: "/tmp/blockgrid-node1"
compression: false
`
	path := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "node1", cfg.ID)
	assert.Equal(t, ":9001", cfg.Listen)
	assert.False(t, cfg.CompressionEnabled())
}

func TestNodeConfig_CompressionDefault(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "node.yaml", "id: node1\n")
	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.CompressionEnabled())
	assert.Equal(t, ":8081", cfg.Listen)
}

func TestNodeConfigValidate_MissingID(t *testing.T) {
	cfg := &NodeConfig{}
	cfg.ApplyDefaults()
	assert.Error(t, cfg.Validate())
}
