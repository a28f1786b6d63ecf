package api

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"

	"pactcache/pkg/chat"
	"pactcache/pkg/logger"
	"pactcache/pkg/pact"
	"pactcache/pkg/reconcile"
	"pactcache/pkg/router"
	"pactcache/pkg/transport"
)

// ErrNotFound is the HTTP-layer miss; the cache itself reports misses as
// a boolean.
var ErrNotFound = errors.New("not found")

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, chat.ErrNotSubscribed):
		return fasthttp.StatusNotFound
	case errors.Is(err, pact.ErrInvalidDelta):
		return fasthttp.StatusBadRequest
	case errors.Is(err, reconcile.ErrQueueFull):
		return fasthttp.StatusTooManyRequests
	case errors.Is(err, reconcile.ErrStaleMutation):
		return fasthttp.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusGatewayTimeout
	case transport.IsFailure(err):
		return fasthttp.StatusBadGateway
	}
	return fasthttp.StatusInternalServerError
}

// writeError maps err to a status and writes it.
func writeError(ctx *fasthttp.RequestCtx, op string, err error) {
	status := statusOf(err)
	if status >= fasthttp.StatusInternalServerError {
		logger.Warn("api_request_failed", "op", op, "status", status, "error", err)
	}
	router.WriteJSONError(ctx, status, err.Error())
}
