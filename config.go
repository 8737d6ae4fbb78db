package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Input     InputConfig     `yaml:"input"`
	Science   ScienceConfig   `yaml:"science"`
	Output    OutputConfig    `yaml:"output"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// InputConfig names the data source for a run.
type InputConfig struct {
	Key   string   `yaml:"key"`   // PSRDADA ringbuffer key; requires the shared memory connector
	Files []string `yaml:"files"` // DADA capture files, replayed in order
}

// ScienceConfig overrides observation parameters normally taken from the
// run header. -1 leaves a parameter to the header; a configured value
// that contradicts the header aborts the run.
type ScienceConfig struct {
	Case       int `yaml:"case"`        // 3 or 4
	Mode       int `yaml:"mode"`        // 0-3
	PaddedSize int `yaml:"padded_size"` // samples per channel per page including padding
}

// OutputConfig contains FITS output settings
type OutputConfig struct {
	Directory   string `yaml:"directory"`    // where beam files are written (default: .)
	TemplateDir string `yaml:"template_dir"` // header template directory (default: templates)
	Template    string `yaml:"template"`     // template file name; empty selects by mode
	Gzip        bool   `yaml:"gzip"`         // gzip each output file
}

// SynthesisConfig contains synthesized beam settings
type SynthesisConfig struct {
	Table     string `yaml:"table"`     // YAML file with one subband row per synthesized beam
	Selection string `yaml:"selection"` // beams to write, e.g. "0,1,4-8"; empty writes all
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Listen        string `yaml:"listen"`         // /metrics listen address, e.g. ":9097"; empty disables
	ProgressPages int    `yaml:"progress_pages"` // publish progress every N pages (default: 60)
}

// MQTTConfig contains status publishing settings
type MQTTConfig struct {
	Broker      string `yaml:"broker"`       // MQTT broker URL (e.g., tcp://mqtt.example.com:1883); empty disables
	Username    string `yaml:"username"`     // MQTT authentication username
	Password    string `yaml:"password"`     // MQTT authentication password
	TopicPrefix string `yaml:"topic_prefix"` // Topic prefix for run documents (default: dadafits)
	QoS         byte   `yaml:"qos"`          // MQTT Quality of Service level (0, 1, or 2)
	Retain      bool   `yaml:"retain"`       // Retain flag for MQTT messages
}

// ArchiveConfig contains object storage settings for finished files
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // S3 compatible endpoint, host:port
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"` // object name prefix inside the bucket
	Secure    bool   `yaml:"secure"` // use TLS
}

// LimitsConfig contains resource guard settings
type LimitsConfig struct {
	MemoryFraction   float64 `yaml:"memory_fraction"`   // usable share of available memory (default: 0.8)
	LockMemory       bool    `yaml:"lock_memory"`       // mlockall after buffers are allocated
	TransposeWorkers int     `yaml:"transpose_workers"` // beams deinterleaved in parallel (0 = sequential)
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Science: ScienceConfig{Case: -1, Mode: -1, PaddedSize: -1},
		Output: OutputConfig{
			Directory:   ".",
			TemplateDir: defaultTemplateDir,
		},
		Metrics: MetricsConfig{ProgressPages: 60},
		MQTT:    MQTTConfig{TopicPrefix: "dadafits"},
		Limits:  LimitsConfig{MemoryFraction: 0.8},
	}
}

// LoadConfig loads configuration from a YAML file over the defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Science.Case != -1 && c.Science.Case != ScienceCase3 && c.Science.Case != ScienceCase4 {
		return configErrorf("science.case must be 3 or 4, not %d", c.Science.Case)
	}
	if c.Science.Mode != -1 && (c.Science.Mode < ModeITAB || c.Science.Mode > ModeIQUVIAB) {
		return configErrorf("science.mode must be between 0 and 3, not %d", c.Science.Mode)
	}
	if c.Science.PaddedSize != -1 && c.Science.PaddedSize < 1 {
		return configErrorf("science.padded_size must be positive, not %d", c.Science.PaddedSize)
	}
	if c.Output.Directory == "" {
		return configErrorf("output.directory must not be empty")
	}
	if c.Metrics.ProgressPages < 1 {
		return configErrorf("metrics.progress_pages must be at least 1")
	}
	if c.MQTT.QoS > 2 {
		return configErrorf("mqtt.qos must be 0, 1 or 2, not %d", c.MQTT.QoS)
	}
	if c.Limits.MemoryFraction <= 0 || c.Limits.MemoryFraction > 1 {
		return configErrorf("limits.memory_fraction must be in (0, 1], not %g", c.Limits.MemoryFraction)
	}
	if c.Limits.TransposeWorkers < 0 {
		return configErrorf("limits.transpose_workers must not be negative")
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return configErrorf("archive.endpoint is required when the archive is enabled")
		}
		if c.Archive.Bucket == "" {
			return configErrorf("archive.bucket is required when the archive is enabled")
		}
	}
	return nil
}

// CheckHeader verifies configured science overrides against the values
// the run header carries. The header is authoritative; an explicit
// override may only confirm it.
func (c *ScienceConfig) CheckHeader(hdr *RunHeader) error {
	if c.Case != -1 && c.Case != hdr.ScienceCase {
		return configErrorf("configured science case %d but the run header says %d", c.Case, hdr.ScienceCase)
	}
	if c.Mode != -1 && c.Mode != hdr.ScienceMode {
		return configErrorf("configured science mode %d but the run header says %d", c.Mode, hdr.ScienceMode)
	}
	if c.PaddedSize != -1 && c.PaddedSize != hdr.PaddedSize {
		return configErrorf("configured padded size %d but the run header says %d", c.PaddedSize, hdr.PaddedSize)
	}
	return nil
}
