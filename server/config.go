package server

import (
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DeviceConfig describes one raw device this node contributes to the
// cluster's chunk inventory.
type DeviceConfig struct {
	ID         uint32            `yaml:"id"`
	Path       string            `yaml:"path"`
	Capacity   datasize.ByteSize `yaml:"capacity"`
	ChunkCount uint32            `yaml:"chunk_count"`
}

// PeerConfig is one bootstrap replication peer.
type PeerConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Priority int32  `yaml:"priority"`
}

// Config is the daemon's on-disk YAML cluster configuration, grounded
// on the teacher's single-field JSON FileConfig (server/config.go),
// extended with
// chunk/device sizing the teacher's file-store domain never needed.
type Config struct {
	BindAddress string            `yaml:"bind_address"`
	DataDir     string            `yaml:"data_dir"`
	IndexDir    string            `yaml:"index_dir"`
	ChunkSize   datasize.ByteSize `yaml:"chunk_size"`
	Devices     []DeviceConfig    `yaml:"devices"`
	Peers       []PeerConfig      `yaml:"peers"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	ProposeTimeout     time.Duration `yaml:"propose_timeout"`
	ExecutorLanes      int           `yaml:"executor_lanes"`
}

// LoadConfig reads and validates a cluster config file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.ProposeTimeout == 0 {
		c.ProposeTimeout = 10 * time.Second
	}
	if c.ExecutorLanes == 0 {
		c.ExecutorLanes = 16
	}
	if c.IndexDir == "" && c.DataDir != "" {
		c.IndexDir = c.DataDir + "/index"
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.ChunkSize == 0 {
		return errors.New("config: chunk_size is required")
	}
	if len(c.Devices) == 0 {
		return errors.New("config: at least one device is required")
	}
	for _, d := range c.Devices {
		if d.ChunkCount == 0 {
			return errors.Errorf("config: device %d has zero chunk_count", d.ID)
		}
	}
	return nil
}

// ChunksFromDevices expands each DeviceConfig into its constituent
// Chunk records for ChunkSelector.SeedDevice, allocating sequential
// global chunk ids per device.
func (c Config) ChunksFromDevices() []Chunk {
	var out []Chunk
	var nextID uint32
	blocksPerChunk := uint64(c.ChunkSize.Bytes()) / DataBlockSize
	for _, d := range c.Devices {
		for i := uint32(0); i < d.ChunkCount; i++ {
			out = append(out, Chunk{ID: nextID, DeviceID: d.ID, FreeBlocks: blocksPerChunk})
			nextID++
		}
	}
	return out
}
