package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"geoalign/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := cli.NewRoot(nil, nil, nil, nil)
	err := cli.NewRootCmd(root).ExecuteContext(ctx)
	root.Close()
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
