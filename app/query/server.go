package query

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/app/query/controller"
	"github.com/canopy-network/statex/app/query/types"
	"github.com/canopy-network/statex/pkg/utils"
)

// NewServer builds the router and the http.Server. The notification hub is started with the
// app when Redis is configured.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}
	if ctler.Hub != nil && app.RedisClient != nil {
		app.Background = append(app.Background, func(ctx context.Context) {
			ctler.Hub.Run(ctx, app.RedisClient)
		})
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3001")

	app.Server = &http.Server{Addr: addr, Handler: controller.WithCORS(router)}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
