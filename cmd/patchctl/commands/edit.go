package commands

import (
	"fmt"
	"strings"

	"github.com/scott-cotton/cli"

	"patchmgr/api/internal/app"
)

type newConfig struct {
	*cli.Command
	env    *env
	Parent string `cli:"name=parent aliases=p desc='parent patch, the root by default'"`
}

// NewCommand returns the new subcommand.
func NewCommand(e *env) *cli.Command {
	cfg := &newConfig{env: e}
	opts, _ := cli.StructOpts(cfg)
	return cli.NewCommandAt(&cfg.Command, "new").
		WithSynopsis("new [--parent <id>] [title] - Create a patch").
		WithOpts(opts...).
		WithRun(cfg.run)
}

func (cfg *newConfig) run(cc *cli.Context, args []string) error {
	args, err := cfg.Parse(cc, args)
	if err != nil {
		return err
	}
	return cfg.env.with(func(c *app.Components) error {
		p, err := c.Service.CreatePatch(cfg.env.ctx, app.CreatePatchInput{
			Parent: cfg.Parent,
			Title:  strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		printPatch(cc, "Created", p)
		return nil
	})
}

type renameConfig struct {
	*cli.Command
	env *env
}

// RenameCommand returns the rename subcommand.
func RenameCommand(e *env) *cli.Command {
	cfg := &renameConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "rename").
		WithSynopsis("rename <id> <new-id> - Rename a patch").
		WithRun(cfg.run)
}

func (cfg *renameConfig) run(cc *cli.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: usage: patchctl rename <id> <new-id>", cli.ErrUsage)
	}
	return cfg.env.with(func(c *app.Components) error {
		p, err := c.Service.RenamePatch(cfg.env.ctx, args[0], app.RenamePatchInput{ID: args[1]})
		if err != nil {
			return err
		}
		printPatch(cc, "Renamed", p)
		return nil
	})
}

type retitleConfig struct {
	*cli.Command
	env *env
}

// RetitleCommand returns the retitle subcommand.
func RetitleCommand(e *env) *cli.Command {
	cfg := &retitleConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "retitle").
		WithSynopsis("retitle <id> <title> - Change a patch title").
		WithRun(cfg.run)
}

func (cfg *retitleConfig) run(cc *cli.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: usage: patchctl retitle <id> <title>", cli.ErrUsage)
	}
	return cfg.env.with(func(c *app.Components) error {
		p, err := c.Service.SetTitle(cfg.env.ctx, args[0], app.SetTitleInput{Title: strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}
		printPatch(cc, "Retitled", p)
		return nil
	})
}

type rmConfig struct {
	*cli.Command
	env *env
}

// RmCommand returns the rm subcommand.
func RmCommand(e *env) *cli.Command {
	cfg := &rmConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "rm").
		WithSynopsis("rm <id> - Delete a leaf patch").
		WithRun(cfg.run)
}

func (cfg *rmConfig) run(cc *cli.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: usage: patchctl rm <id>", cli.ErrUsage)
	}
	return cfg.env.with(func(c *app.Components) error {
		if err := c.Service.DeletePatch(cfg.env.ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cc.Out, "Deleted %s\n", args[0])
		return nil
	})
}

type mergeConfig struct {
	*cli.Command
	env *env
}

// MergeCommand returns the merge subcommand.
func MergeCommand(e *env) *cli.Command {
	cfg := &mergeConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "merge").
		WithSynopsis("merge <id> - Merge a leaf patch into its parent").
		WithRun(cfg.run)
}

func (cfg *mergeConfig) run(cc *cli.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: usage: patchctl merge <id>", cli.ErrUsage)
	}
	return cfg.env.with(func(c *app.Components) error {
		parent, err := c.Service.MergePatch(cfg.env.ctx, args[0])
		if err != nil {
			return err
		}
		printPatch(cc, "Merged "+args[0]+" into", parent)
		return nil
	})
}
