package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/ngcore/pkg/conv/patch"
)

func TestDefault_MatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 32, cfg.PackedBufferAlignment)
	assert.Equal(t, "NCHW", cfg.DefaultDataFormat)
	assert.Equal(t, "OIHW", cfg.DefaultKernelFormat)
	assert.True(t, cfg.DirectConvEnabled)
}

func TestLoadFromReader_PartialFileOnlyOverridesNamedFields(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("direct_conv_enabled: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.DirectConvEnabled)
	assert.Equal(t, "NCHW", cfg.DefaultDataFormat, "fields absent from the file must keep their default")
	assert.Equal(t, 32, cfg.PackedBufferAlignment)
}

func TestLoadFromReader_EmptyInputYieldsDefault(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromReader_RejectsMalformedYAML(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("not: [valid"))
	assert.Error(t, err)
}

func TestDataFormat_ResolvesKnownNames(t *testing.T) {
	cfg := Default()
	cfg.DefaultDataFormat = "NHWC"
	df, err := cfg.DataFormat()
	require.NoError(t, err)
	assert.Equal(t, patch.NHWC, df)
}

func TestDataFormat_RejectsUnknownName(t *testing.T) {
	cfg := Default()
	cfg.DefaultDataFormat = "NDHWC"
	_, err := cfg.DataFormat()
	assert.Error(t, err)
}

func TestKernelFormat_ResolvesKnownNames(t *testing.T) {
	cfg := Default()
	cfg.DefaultKernelFormat = "HWIO"
	kf, err := cfg.KernelFormat()
	require.NoError(t, err)
	assert.Equal(t, patch.HWIO, kf)
}

func TestKernelFormat_RejectsUnknownName(t *testing.T) {
	cfg := Default()
	cfg.DefaultKernelFormat = "OHWI"
	_, err := cfg.KernelFormat()
	assert.Error(t, err)
}

func TestLoad_FailsWhenFileDoesNotExist(t *testing.T) {
	_, err := Load("/nonexistent/ngcore-config.yaml")
	assert.Error(t, err)
}
