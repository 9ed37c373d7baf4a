package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const heartbeatInterval = 30 * time.Second

var errSubscriptionEnded = errors.New("board subscription ended")

// streamBoard sends the whole board as a server-sent event after every
// change. A terminal subscription error is sent as an "error" event and ends
// the stream; the client decides whether to reconnect.
func (s *Server) streamBoard(c echo.Context) error {
	b, release, err := s.Hub.Acquire(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, s.Logger, err)
	}
	defer release()

	changes, stop := b.State.Watch()
	defer stop()
	errs := b.Errors()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().WriteHeader(http.StatusOK)
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	if _, err := c.Response().Write([]byte(":ok\n\n")); err != nil {
		return nil
	}
	flusher.Flush()

	logger := s.Logger.WithField("project", b.ProjectID())
	send := func(event string, v any) bool {
		data, err := sonic.Marshal(v)
		if err != nil {
			logger.WithError(err).Error("encode board event")
			return false
		}
		if _, err := c.Response().Write([]byte("event: " + event + "\ndata: ")); err != nil {
			return false
		}
		if _, err := c.Response().Write(data); err != nil {
			return false
		}
		if _, err := c.Response().Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if b.State.Generation() > 0 && !send("board", boardView(b.State)) {
		return nil
	}
	ctx := c.Request().Context()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-changes:
			if !send("board", boardView(b.State)) {
				return nil
			}
		case err, ok := <-errs:
			if !ok || err == nil {
				err = errSubscriptionEnded
			}
			logger.WithError(err).Warn("closing board stream after subscription error")
			send("error", errorResponse{Error: err.Error(), ProjectID: b.ProjectID()})
			return nil
		case <-ticker.C:
			if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ctx.Done():
			logger.WithFields(log.Fields{"generation": b.State.Generation()}).Debug("board stream closed by client")
			return nil
		}
	}
}
