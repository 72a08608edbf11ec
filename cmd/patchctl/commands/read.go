package commands

import (
	"fmt"
	"strings"

	"github.com/scott-cotton/cli"

	"patchmgr/api/internal/app"
	"patchmgr/api/internal/patch"
	"patchmgr/api/internal/search"
)

type treeConfig struct {
	*cli.Command
	env *env
}

// TreeCommand returns the tree subcommand.
func TreeCommand(e *env) *cli.Command {
	cfg := &treeConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "tree").
		WithSynopsis("tree - Show the patch tree").
		WithRun(cfg.run)
}

func (cfg *treeConfig) run(cc *cli.Context, args []string) error {
	return cfg.env.with(func(c *app.Components) error {
		depth := make(map[string]int)
		for _, p := range c.Tree.List() {
			if p.Parent != "" {
				depth[p.ID] = depth[p.Parent] + 1
			}
			fmt.Fprintf(cc.Out, "%s%s [%s] %s (modified %s)\n",
				strings.Repeat("  ", depth[p.ID]),
				p.ID,
				p.State,
				p.Title,
				p.Modified.Format("2006-01-02 15:04"),
			)
		}
		return nil
	})
}

type lsConfig struct {
	*cli.Command
	env       *env
	Recursive bool `cli:"name=recursive aliases=r desc='list every file below the prefix'"`
}

// LsCommand returns the ls subcommand.
func LsCommand(e *env) *cli.Command {
	cfg := &lsConfig{env: e}
	opts, _ := cli.StructOpts(cfg)
	return cli.NewCommandAt(&cfg.Command, "ls").
		WithSynopsis("ls <id> [prefix] [--recursive] - List paths visible in a patch").
		WithOpts(opts...).
		WithRun(cfg.run)
}

func (cfg *lsConfig) run(cc *cli.Context, args []string) error {
	args, err := cfg.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("%w: usage: patchctl ls <id> [prefix]", cli.ErrUsage)
	}
	prefix := ""
	if len(args) > 1 {
		prefix = args[1]
	}
	return cfg.env.with(func(c *app.Components) error {
		paths, err := c.Tree.GetPaths(cfg.env.ctx, args[0], prefix, cfg.Recursive)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(cc.Out, p)
		}
		return nil
	})
}

type catConfig struct {
	*cli.Command
	env *env
}

// CatCommand returns the cat subcommand.
func CatCommand(e *env) *cli.Command {
	cfg := &catConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "cat").
		WithSynopsis("cat <id> <path> - Print a file as a patch sees it").
		WithRun(cfg.run)
}

func (cfg *catConfig) run(cc *cli.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: usage: patchctl cat <id> <path>", cli.ErrUsage)
	}
	return cfg.env.with(func(c *app.Components) error {
		content, err := c.Tree.ReadFile(cfg.env.ctx, args[0], args[1])
		if err != nil {
			return err
		}
		_, err = cc.Out.Write(content)
		return err
	})
}

type diffConfig struct {
	*cli.Command
	env *env
}

// DiffCommand returns the diff subcommand.
func DiffCommand(e *env) *cli.Command {
	cfg := &diffConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "diff").
		WithSynopsis("diff <id> - Diff a patch against its parent").
		WithRun(cfg.run)
}

func (cfg *diffConfig) run(cc *cli.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: usage: patchctl diff <id>", cli.ErrUsage)
	}
	return cfg.env.with(func(c *app.Components) error {
		diffs, err := c.Service.Diff(cfg.env.ctx, args[0])
		if err != nil {
			return err
		}
		for _, d := range diffs {
			switch {
			case d.Binary:
				fmt.Fprintf(cc.Out, "Binary file %s %s\n", d.Path, d.Kind)
			case d.Oversize:
				fmt.Fprintf(cc.Out, "Large file %s %s\n", d.Path, d.Kind)
			case d.Unified != "":
				fmt.Fprint(cc.Out, d.Unified)
			default:
				fmt.Fprintf(cc.Out, "%s %s\n", d.Path, d.Kind)
			}
		}
		if len(diffs) == 0 {
			fmt.Fprintln(cc.Out, "No changes")
		}
		return nil
	})
}

type searchConfig struct {
	*cli.Command
	env *env
}

// SearchCommand returns the search subcommand.
func SearchCommand(e *env) *cli.Command {
	cfg := &searchConfig{env: e}
	return cli.NewCommandAt(&cfg.Command, "search").
		WithSynopsis("search <id> <text> - Search a patch's files").
		WithRun(cfg.run)
}

func (cfg *searchConfig) run(cc *cli.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: usage: patchctl search <id> <text>", cli.ErrUsage)
	}
	return cfg.env.with(func(c *app.Components) error {
		resp, err := c.Service.Search(cfg.env.ctx, search.Query{
			PatchID: args[0],
			Text:    strings.Join(args[1:], " "),
			Limit:   100,
		})
		if err != nil {
			return err
		}
		for _, r := range resp.Results {
			fmt.Fprintf(cc.Out, "%s (%s)\n  %s\n", r.Path, r.Source, r.Snippet)
		}
		fmt.Fprintf(cc.Out, "%d of %d results\n", len(resp.Results), resp.Total)
		return nil
	})
}

func printPatch(cc *cli.Context, verb string, p patch.Patch) {
	fmt.Fprintf(cc.Out, "%s %s [%s] %s\n", verb, p.ID, p.State, p.Title)
}
