package bootcfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("init: echo a b\n"))
	require.NoError(t, err)
	assert.Equal(t, "echo a b", cfg.Init)
	assert.Equal(t, Mkdefault().Userpages, cfg.Userpages)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte("user_pages: 64\ncache_sectors: 8\n"))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Userpages)
	assert.Equal(t, 8, cfg.Cachesectors)
	assert.Equal(t, "init", cfg.Init)
}

func TestParseRejects(t *testing.T) {
	_, err := Parse([]byte("user_pages: -3\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("::bad"))
	assert.Error(t, err)
}
