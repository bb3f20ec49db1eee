package controller

import (
	"net/http"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := c.App.Store.Ping(ctx); err != nil {
		c.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "database connection error"})
		return
	}

	latest, err := c.App.Engine.Latest(ctx)
	if err != nil {
		c.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "latest block unavailable"})
		return
	}

	resp := map[string]any{"status": "ok", "latestBlock": latest}
	if c.App.RedisClient != nil {
		if err := c.App.RedisClient.Health(ctx); err != nil {
			resp["redis"] = "errored"
		} else {
			resp["redis"] = "ok"
		}
	}
	c.writeJSON(w, http.StatusOK, resp)
}
