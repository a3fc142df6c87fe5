package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/coeus/cmd/coeus/cmds"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cmds.NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	cobra.CheckErr(err)
}
