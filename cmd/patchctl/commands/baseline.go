package commands

import (
	"fmt"

	"github.com/scott-cotton/cli"

	"patchmgr/api/internal/app"
	"patchmgr/api/internal/config"
)

type importConfig struct {
	*cli.Command
	env *env
}

// ImportCommand returns the import subcommand.
func ImportCommand(e *env) *cli.Command {
	cfg := &importConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "import").
		WithSynopsis("import [rev] - Replace the root with a git revision").
		WithRun(cfg.run)
}

func (cfg *importConfig) run(cc *cli.Context, args []string) error {
	var input app.ImportInput
	if len(args) > 0 {
		input.Rev = args[0]
	}
	return cfg.env.with(func(c *app.Components) error {
		result, err := c.Service.ImportBaseline(cfg.env.ctx, input)
		if err != nil {
			return err
		}
		fmt.Fprintf(cc.Out, "Imported %d files from %s\n", result.Files, result.Commit.Hash)
		printPatch(cc, "Root", result.Root)
		return nil
	})
}

type publishConfig struct {
	*cli.Command
	env     *env
	Message string `cli:"name=message aliases=m desc='commit message'"`
}

// PublishCommand returns the publish subcommand.
func PublishCommand(e *env) *cli.Command {
	cfg := &publishConfig{env: e}
	opts, _ := cli.StructOpts(cfg)
	return cli.NewCommandAt(&cfg.Command, "publish").
		WithSynopsis("publish [--message <msg>] - Commit the root to the publish branch").
		WithOpts(opts...).
		WithRun(cfg.run)
}

func (cfg *publishConfig) run(cc *cli.Context, args []string) error {
	if _, err := cfg.Parse(cc, args); err != nil {
		return err
	}
	return cfg.env.with(func(c *app.Components) error {
		commit, err := c.Service.Publish(cfg.env.ctx, app.PublishInput{Message: cfg.Message})
		if err != nil {
			return err
		}
		fmt.Fprintf(cc.Out, "Published %s %s\n", commit.Hash, commit.Message)
		return nil
	})
}

type reindexConfig struct {
	*cli.Command
	env *env
}

// ReindexCommand returns the reindex subcommand.
func ReindexCommand(e *env) *cli.Command {
	cfg := &reindexConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "reindex").
		WithSynopsis("reindex - Rebuild the search index").
		WithRun(cfg.run)
}

func (cfg *reindexConfig) run(cc *cli.Context, args []string) error {
	return cfg.env.with(func(c *app.Components) error {
		if err := c.Service.Reindex(cfg.env.ctx); err != nil {
			return err
		}
		fmt.Fprintf(cc.Out, "Reindexed %d patches\n", len(c.Tree.List()))
		return nil
	})
}

type initConfigConfig struct {
	*cli.Command
}

// InitConfigCommand returns the init-config subcommand.
func InitConfigCommand() *cli.Command {
	cfg := &initConfigConfig{}
	return cli.NewCommandAt(&cfg.Command, "init-config").
		WithSynopsis("init-config <path> - Write the default configuration").
		WithRun(cfg.run)
}

func (cfg *initConfigConfig) run(cc *cli.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: usage: patchctl init-config <path>", cli.ErrUsage)
	}
	if err := config.SaveDefault(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cc.Out, "Wrote %s\n", args[0])
	return nil
}
