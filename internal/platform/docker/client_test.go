package docker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/classifyd/internal/domain"
)

func TestContainerConfig(t *testing.T) {
	c := &Client{cfg: Config{Image: "classifyd-worker:latest"}}

	cfg := c.containerConfig(domain.WorkRequest{ID: "req-1", ClassifierID: "shopping", Input: "milk --flag"})

	assert.Equal(t, "classifyd-worker:latest", cfg.Image)
	assert.Equal(t, []string{"--classifier", "shopping", "--input", "milk --flag"}, []string(cfg.Cmd))
	assert.Contains(t, cfg.Env, "CLASSIFYD_CLASSIFIER_STORE=/models")
	assert.Equal(t, "req-1", cfg.Labels["classifyd.request-id"])
	assert.True(t, cfg.NetworkDisabled)
}

func TestHostConfig(t *testing.T) {
	dir := t.TempDir()
	c := &Client{cfg: Config{ModelStore: dir, MemoryBytes: 512 << 20, NanoCPUs: 1e9}}

	hc, err := c.hostConfig()
	require.NoError(t, err)

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{abs + ":/models:ro"}, hc.Binds)
	assert.Equal(t, int64(512<<20), hc.Resources.Memory)
	assert.Equal(t, int64(1e9), hc.Resources.NanoCPUs)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef0123"))
	assert.Equal(t, "abc", shortID("abc"))
}
