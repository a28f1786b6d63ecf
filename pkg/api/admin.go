package api

import (
	"github.com/valyala/fasthttp"

	"pactcache/pkg/logger"
	"pactcache/pkg/router"
)

func (a *API) Health(ctx *fasthttp.RequestCtx) {
	_ = router.WriteJSON(ctx, map[string]string{
		"status":  "ok",
		"service": "pactcache",
		"version": a.opts.Version,
	})
}

// Stats counts subscribed conversations by state and the records they hold.
func (a *API) Stats(ctx *fasthttp.RequestCtx) {
	states := map[string]int{}
	var writs int
	convs := a.reg.Conversations()
	for _, whom := range convs {
		s, ok := a.summary(whom)
		if !ok {
			continue
		}
		states[s.State]++
		writs += s.Writs
	}
	_ = router.WriteJSON(ctx, struct {
		Conversations int            `json:"conversations"`
		Writs         int            `json:"writs"`
		States        map[string]int `json:"states"`
	}{Conversations: len(convs), Writs: writs, States: states})
}

// RunPurge runs one tombstone retention pass on demand.
func (a *API) RunPurge(ctx *fasthttp.RequestCtx) {
	if a.opts.Purge == nil {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "retention not enabled")
		return
	}
	rctx, cancel := a.requestContext()
	defer cancel()
	res, err := a.opts.Purge(rctx)
	if err != nil {
		writeError(ctx, "purge", err)
		return
	}
	logger.Info("retention_purge_requested", "scanned", res.Scanned, "purged", res.Purged)
	_ = router.WriteJSON(ctx, res)
}
