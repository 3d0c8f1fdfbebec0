// Package config loads the engine's runtime configuration: packed-buffer
// alignment, default data/kernel format, and whether the direct-
// convolution codegen path is enabled.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/itohio/ngcore/pkg/conv/patch"
)

// Config is the engine's runtime configuration.
type Config struct {
	// PackedBufferAlignment is the byte alignment configured for
	// packed-A/packed-B buffers. Only this package reads it: the lowering
	// code allocates packed buffers with plain make and applies no
	// alignment.
	PackedBufferAlignment int `yaml:"packed_buffer_alignment"`
	// DefaultDataFormat names the data layout ConvUnary assumes absent an
	// explicit override: "NCHW" or "NHWC".
	DefaultDataFormat string `yaml:"default_data_format"`
	// DefaultKernelFormat names the kernel layout: "OIHW" or "HWIO".
	DefaultKernelFormat string `yaml:"default_kernel_format"`
	// DirectConvEnabled gates ConvUnary.Codegen's Direct fast path; when
	// false, a conv that would have taken the Direct path gets
	// Im2Col+ConvGemm instead. The MatMulUnaryA path is not affected.
	DirectConvEnabled bool `yaml:"direct_conv_enabled"`
}

// Default returns the engine's built-in configuration.
func Default() Config {
	return Config{
		PackedBufferAlignment: 32,
		DefaultDataFormat:     "NCHW",
		DefaultKernelFormat:   "OIHW",
		DirectConvEnabled:     true,
	}
}

// Load reads and parses a YAML configuration file at path, starting from
// Default() so a partial file only overrides what it names.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses YAML configuration from r.
func LoadFromReader(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("config: load_from_reader: %w", err)
	}
	return cfg, nil
}

// DataFormat resolves DefaultDataFormat to a patch.DataFormat.
func (c Config) DataFormat() (patch.DataFormat, error) {
	switch c.DefaultDataFormat {
	case "NCHW":
		return patch.NCHW, nil
	case "NHWC":
		return patch.NHWC, nil
	default:
		return 0, fmt.Errorf("config: unknown default_data_format %q", c.DefaultDataFormat)
	}
}

// KernelFormat resolves DefaultKernelFormat to a patch.KernelFormat.
func (c Config) KernelFormat() (patch.KernelFormat, error) {
	switch c.DefaultKernelFormat {
	case "OIHW":
		return patch.OIHW, nil
	case "HWIO":
		return patch.HWIO, nil
	default:
		return 0, fmt.Errorf("config: unknown default_kernel_format %q", c.DefaultKernelFormat)
	}
}
