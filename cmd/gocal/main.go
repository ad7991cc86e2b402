// Command gocal runs the gocal sample publishers and subscribers.
//
//	gocal hello send
//	gocal hello receive
//	gocal perf send --size 8388608 --zero-copy
//	gocal info --keys
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
