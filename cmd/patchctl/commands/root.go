package commands

import (
	"context"

	"github.com/scott-cotton/cli"
	log "github.com/sirupsen/logrus"

	"patchmgr/api/internal/app"
	"patchmgr/api/internal/config"
)

const usageText = `patchctl - administer a patch tree

Usage:
  patchctl tree                          Show the patch tree
  patchctl ls <id> [prefix] [--recursive] List paths visible in a patch
  patchctl cat <id> <path>               Print a file as a patch sees it
  patchctl diff <id>                     Diff a patch against its parent
  patchctl new [--parent <id>] [title]   Create a patch
  patchctl rename <id> <new-id>          Rename a patch
  patchctl retitle <id> <title>          Change a patch title
  patchctl rm <id>                       Delete a leaf patch
  patchctl merge <id>                    Merge a leaf patch into its parent
  patchctl search <id> <text>            Search a patch's files
  patchctl import [rev]                  Replace the root with a git revision
  patchctl publish [--message <msg>]     Commit the root to the publish branch
  patchctl reindex                       Rebuild the search index
  patchctl init-config <path>            Write the default configuration

The backend and repository come from PATCHMGR_CONFIG and the environment,
as for the API server.`

// env opens the configured components once per command run.
type env struct {
	ctx context.Context
}

func (e *env) with(fn func(*app.Components) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.ConfigureLogging()
	c, err := app.Open(e.ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}()
	return fn(c)
}

// Root returns the root command for patchctl.
func Root(ctx context.Context) *cli.Command {
	e := &env{ctx: ctx}

	return cli.NewCommand("patchctl").
		WithSynopsis("patchctl - administer a patch tree").
		WithDescription(usageText).
		WithSubs(
			TreeCommand(e),
			LsCommand(e),
			CatCommand(e),
			DiffCommand(e),
			NewCommand(e),
			RenameCommand(e),
			RetitleCommand(e),
			RmCommand(e),
			MergeCommand(e),
			SearchCommand(e),
			ImportCommand(e),
			PublishCommand(e),
			ReindexCommand(e),
			InitConfigCommand(),
		)
}
