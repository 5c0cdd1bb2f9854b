package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"triptask/cmd/internal/app"
)

func main() {
	if err := app.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "triptask: .env:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	if err != nil {
		if !errors.Is(err, app.ErrUsage) || err.Error() != app.ErrUsage.Error() {
			fmt.Fprintln(os.Stderr, "triptask:", err)
		}
		os.Exit(1)
	}
}
