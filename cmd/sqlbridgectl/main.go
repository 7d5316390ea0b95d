package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlbridge/sqlbridge/internal/cli/sqlbridgectl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := sqlbridgectl.Run(ctx, os.Args[1:], sqlbridgectl.Options{
		BaseURL: os.Getenv("SQLBRIDGE_BASE_URL"),
		Token:   os.Getenv("SQLBRIDGE_TOKEN"),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
	os.Exit(code)
}
