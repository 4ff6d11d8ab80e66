package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/telhawk-systems/taskhub/cli/cmd"
	"github.com/telhawk-systems/taskhub/cli/pkg/output"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		output.Error("%v", err)
		os.Exit(1)
	}
}
