package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"patchmgr/api/internal/config"
	"patchmgr/api/internal/gitrepo"
	"patchmgr/api/internal/overlay"
	"patchmgr/api/internal/patch"
	"patchmgr/api/internal/preview"
	"patchmgr/api/internal/search"
	"patchmgr/api/internal/store"
)

// Components is everything a process builds from its configuration.
type Components struct {
	Store   overlay.Store
	Tree    *patch.Tree
	Search  *search.Service
	Service *Service

	meili *search.Meili
}

// OpenStore connects the overlay backend cfg.Backend names.
func OpenStore(ctx context.Context, cfg config.Config) (overlay.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return overlay.NewMemory(), nil
	case "pebble":
		p, err := overlay.OpenPebble(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "redis":
		r, err := overlay.NewRedis(cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.WithField("applied", len(applied)).Info("database schema up to date")
		return store.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Open builds the store, tree and services. Callers must Close the result.
func Open(ctx context.Context, cfg config.Config) (*Components, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tree, err := patch.Open(ctx, st, patch.Options{
		RootID:       cfg.RootID,
		MaxDepth:     cfg.MaxDepth,
		CacheSize:    cfg.CacheSize,
		DiffContext:  cfg.DiffContext,
		MaxDiffBytes: cfg.MaxDiffBytes,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	c := &Components{Store: st, Tree: tree}
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		c.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, cfg.MeiliIndex)
		index = c.meili
	}
	c.Search = search.NewService(tree, index)

	var renderer preview.Renderer
	if strings.TrimSpace(cfg.RenderURL) != "" {
		renderer = preview.NewHTTPRenderer(cfg.RenderURL)
	}

	var git *gitrepo.Service
	if strings.TrimSpace(cfg.RepoDir) != "" {
		git = gitrepo.New(cfg.RepoDir, cfg.AuthorName, cfg.AuthorEmail)
	}
	c.Service = New(cfg, st, tree, c.Search, preview.NewService(tree, renderer), git)

	log.WithFields(log.Fields{
		"backend": cfg.Backend,
		"patches": len(tree.List()),
		"search":  index != nil,
		"git":     git != nil,
	}).Info("opened patch tree")
	return c, nil
}

// Close drains pending index updates and closes the store.
func (c *Components) Close() error {
	c.Search.Close()
	if c.meili != nil {
		c.meili.Close()
	}
	return c.Store.Close()
}
