// Command bazaarctl is the operator and client CLI for a bazaar server. It
// manages signing keys and performs signed marketplace calls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "bazaarctl: %v\n", err)
		os.Exit(1)
	}
}
