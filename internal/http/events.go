package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/store"
)

// handleEvents streams a project's events as Server-Sent Events until the
// client disconnects. Each event is sent with its type as the SSE event
// name. A comment line is written every heartbeat interval so idle
// connections stay open through proxies.
func (s *Server) handleEvents(c echo.Context) error {
	projectID := c.Param("project_id")
	if err := store.ValidateID("project id", projectID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	stream, err := s.subscribe(ctx, projectID)
	if err != nil {
		s.logger.Warn(ctx, "event subscription failed", zap.String("project_id", projectID), zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream unavailable")
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	w.Flush()

	heartbeat := time.NewTicker(s.config.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return nil
			}
			w.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
