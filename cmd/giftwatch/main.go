// giftwatch is an operator tool for the real-time fan-out path.
//
// watch subscribes to lists like a browser would and prints the cached list
// state as events arrive. emit publishes one envelope through the Publish
// Gateway selected by GATEWAY_MODE, standing in for a mutation handler.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "watch":
		return runWatch(ctx, args[1:])
	case "emit":
		return runEmit(ctx, args[1:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: giftwatch <command> [flags]

Commands:
  watch   subscribe to lists and print their items as events arrive
  emit    publish one event envelope through the configured gateway

Run "giftwatch <command> --help" for the flags of a command.
`)
}
