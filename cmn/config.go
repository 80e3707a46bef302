// Package cmn provides common types, constants, and the process-wide
// configuration used across all of tfpipe's components.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/tfpipe/tfpipe/cmn/cos"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

type (
	// ArenaConfig configures the C1 shared-memory arena (§4.1, §6.4).
	ArenaConfig struct {
		DataRegionSize int64  `json:"data_shm_region_size" yaml:"data_shm_region_size"`
		DescRegionSize int64  `json:"desc_shm_region_size" yaml:"desc_shm_region_size"`
		SuperpageSize  int64  `json:"cru_superpage_size" yaml:"cru_superpage_size"`
		SubBufferSize  int64  `json:"sub_buffer_size" yaml:"sub_buffer_size"`
		FreeChanName   string `json:"free_shm_channel_name" yaml:"free_shm_channel_name"`
	}

	// BuilderConfig configures the C3 STF Builder.
	BuilderConfig struct {
		InputChannelName  string `json:"input_channel_name" yaml:"input_channel_name"`
		OutputChannelName string `json:"output_channel_name" yaml:"output_channel_name"`
		CRUCount          int    `json:"cru_count" yaml:"cru_count"`
		GUI               bool   `json:"gui" yaml:"gui"`
		QueueDepth        int    `json:"queue_depth" yaml:"queue_depth"`
	}

	// SenderConfig configures the C4 STF Sender.
	SenderConfig struct {
		InputChannelName  string        `json:"input_channel_name" yaml:"input_channel_name"`
		OutputChannelName string        `json:"output_channel_name" yaml:"output_channel_name"`
		EPNCount          int           `json:"epn_count" yaml:"epn_count"`
		LivenessEveryK    int           `json:"liveness_every_k" yaml:"liveness_every_k"`
		HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
		Compression       string        `json:"compression" yaml:"compression"` // "" | "lz4"
	}

	// AggregatorConfig configures the C5 TF Builder.
	AggregatorConfig struct {
		InputChannelName string        `json:"input_channel_name" yaml:"input_channel_name"`
		FLPCount         int           `json:"flp_count" yaml:"flp_count"`
		GUI              bool          `json:"gui" yaml:"gui"`
		BufferTimeout    time.Duration `json:"buffer_timeout" yaml:"buffer_timeout"`
		SweepInterval    time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
		HeartbeatEvery   time.Duration `json:"heartbeat_every" yaml:"heartbeat_every"`
	}

	// SchedulerConfig configures the §6.5 scheduler client (and, optionally,
	// the embedded reference server).
	SchedulerConfig struct {
		Endpoint    string        `json:"endpoint" yaml:"endpoint"`
		RetryBackof time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	}

	// Serialization selects the compiled-in wire format (§6.4: "Serialization
	// format is compiled-in ... all peers must agree").
	Serialization int

	Config struct {
		Arena       ArenaConfig      `json:"arena" yaml:"arena"`
		Builder     BuilderConfig    `json:"builder" yaml:"builder"`
		Sender      SenderConfig     `json:"sender" yaml:"sender"`
		Aggregator  AggregatorConfig `json:"aggregator" yaml:"aggregator"`
		Scheduler   SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
		Serial      Serialization    `json:"serialization" yaml:"serialization"`
		TestingEnv  bool             `json:"testing_env" yaml:"testing_env"`
	}
)

const (
	Interleaved Serialization = iota
	Split
)

// descSize is sizeof(RawDmaPacketDesc{hbf_id uint64; raw_size uint32; valid bool})
// rounded up to 8-byte alignment, matching the §4.1 sizing rule.
const descSize = 16

func (s Serialization) String() string {
	if s == Split {
		return "split"
	}
	return "interleaved"
}

// Defaults per §4.5 ("default 1000 ms"), §4.5 heartbeat section ("default 20 s"),
// and §5 ("≥ 500 ms" sweep tick).
const (
	DefaultBufferTimeout   = time.Second
	DefaultSweepInterval   = 500 * time.Millisecond
	DefaultHeartbeatEvery  = 2 * time.Second
	DefaultHeartbeatExpiry = 20 * time.Second
	DefaultLivenessEveryK  = 100
	DefaultRetryBackoff    = 10 * time.Millisecond

	DefaultSuperpageSize = MiB
	DefaultSubBufferSize = 8 * cos.KiB
	MiB                  = cos.MiB
)

func DefaultConfig() *Config {
	return &Config{
		Arena: ArenaConfig{
			DataRegionSize: 64 * cos.MiB,
			DescRegionSize: 64 * cos.MiB, // oversized relative to the sizing rule's minimum; see ArenaConfig.Validate
			SuperpageSize:  DefaultSuperpageSize,
			SubBufferSize:  DefaultSubBufferSize,
			FreeChanName:   "free-shm",
		},
		Builder: BuilderConfig{
			CRUCount:   1,
			QueueDepth: 256,
		},
		Sender: SenderConfig{
			EPNCount:         1,
			LivenessEveryK:   DefaultLivenessEveryK,
			HeartbeatTimeout: DefaultHeartbeatExpiry,
		},
		Aggregator: AggregatorConfig{
			FLPCount:       1,
			BufferTimeout:  DefaultBufferTimeout,
			SweepInterval:  DefaultSweepInterval,
			HeartbeatEvery: DefaultHeartbeatEvery,
		},
		Scheduler: SchedulerConfig{
			RetryBackof: DefaultRetryBackoff,
		},
		Serial: Interleaved,
	}
}

// Validate enforces §4.1's sizing rule and §7's "configuration errors are
// fatal at init" contract. Callers at process startup should Exitf on error;
// library callers (tests) get a plain error back.
func (c *ArenaConfig) Validate() error {
	if !cos.IsPowerOfTwo(c.SuperpageSize) {
		return fmt.Errorf("cru-superpage-size %d is not a power of two", c.SuperpageSize)
	}
	if c.DataRegionSize%c.SuperpageSize != 0 {
		return fmt.Errorf("data-shm-region-size %d is not a multiple of superpage size %d", c.DataRegionSize, c.SuperpageSize)
	}
	subPerPage := c.SuperpageSize / c.SubBufferSize
	numPages := c.DataRegionSize / c.SuperpageSize
	minDesc := numPages * subPerPage * descSize
	if c.DescRegionSize < minDesc {
		return fmt.Errorf("desc-shm-region-size %d is smaller than the required minimum %d", c.DescRegionSize, minDesc)
	}
	return nil
}

// GCO is the global config owner: a single atomic pointer set once at startup
// and read everywhere via GCO.Get(), exactly as the teacher's cmn.GCO.
var GCO globalConfigOwner

type globalConfigOwner struct {
	p atomic.Pointer[Config]
}

func (g *globalConfigOwner) Get() *Config {
	c := g.p.Load()
	if c == nil {
		c = DefaultConfig()
		if g.p.CompareAndSwap(nil, c) {
			Rom.set(c)
		}
		c = g.p.Load()
	}
	return c
}

func (g *globalConfigOwner) Put(c *Config) { g.p.Store(c); Rom.set(c) }

func LoadYAML(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

func LoadJSON(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := jsoniter.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}
