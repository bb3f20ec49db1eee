package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/statex/app/ingester"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := ingester.Initialize(ctx)

	app.Start(ctx)
}
