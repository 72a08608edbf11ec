package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchmgr/api/internal/config"
)

func TestOpenBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cases := map[string]func(*config.Config){
		"memory": func(c *config.Config) {},
		"pebble": func(c *config.Config) { c.DataDir = filepath.Join(t.TempDir(), "overlay") },
		"redis":  func(c *config.Config) { c.RedisURL = "redis://" + mr.Addr() },
	}
	for backend, setup := range cases {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Default()
			cfg.Backend = backend
			setup(&cfg)

			c, err := Open(ctx, cfg)
			require.NoError(t, err)
			p, err := c.Service.CreatePatch(ctx, CreatePatchInput{Title: backend})
			require.NoError(t, err)
			require.NoError(t, c.Service.Ping(ctx))
			require.NoError(t, c.Close())

			again, err := Open(ctx, cfg)
			require.NoError(t, err)
			defer again.Close()
			if backend == "memory" {
				assert.Len(t, again.Tree.List(), 1)
				return
			}
			got, err := again.Tree.Load(p.ID)
			require.NoError(t, err)
			assert.Equal(t, backend, got.Title)
		})
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "etcd"
	_, err := OpenStore(context.Background(), cfg)
	assert.ErrorContains(t, err, `unknown backend "etcd"`)
}
