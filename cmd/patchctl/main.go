package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/scott-cotton/cli"

	"patchmgr/api/cmd/patchctl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cli.MainContext(ctx, commands.Root(ctx))
}
