package api

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"

	"pactcache/pkg/models"
	"pactcache/pkg/pact"
	"pactcache/pkg/router"
	"pactcache/pkg/timekey"
)

type pactSummary struct {
	Whom  models.Whom `json:"whom"`
	State string      `json:"state"`
	Writs int         `json:"writs"`
}

type writPage struct {
	Writs      []models.Writ             `json:"writs"`
	Pagination models.PaginationResponse `json:"pagination"`
}

type sendRequest struct {
	Content  models.Story `json:"content"`
	Text     string       `json:"text,omitempty"`
	Replying string       `json:"replying,omitempty"`
}

func whomParam(ctx *fasthttp.RequestCtx) (models.Whom, bool) {
	raw, ok := router.ExtractParamOrFail(ctx, "whom")
	if !ok {
		return models.Whom{}, false
	}
	whom, err := models.ParseWhom(raw)
	if err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return models.Whom{}, false
	}
	return whom, true
}

func (a *API) pactParam(ctx *fasthttp.RequestCtx) (*pact.Pact, bool) {
	whom, ok := whomParam(ctx)
	if !ok {
		return nil, false
	}
	p, ok := a.reg.Pact(whom)
	if !ok {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, whom.String()+" not subscribed")
		return nil, false
	}
	return p, true
}

func keyQuery(ctx *fasthttp.RequestCtx, name string) (timekey.Key, bool, error) {
	raw := ctx.QueryArgs().Peek(name)
	if len(raw) == 0 {
		return timekey.Key{}, false, nil
	}
	k, err := timekey.ParseUD(string(raw))
	if err != nil {
		return timekey.Key{}, false, errors.Wrapf(err, "query %s", name)
	}
	return k, true, nil
}

func (a *API) summary(whom models.Whom) (pactSummary, bool) {
	h, ok := a.reg.Lookup(whom)
	if !ok {
		return pactSummary{}, false
	}
	return pactSummary{Whom: whom, State: h.State().String(), Writs: h.Pact().Len()}, true
}

// ListPacts lists subscribed conversations.
func (a *API) ListPacts(ctx *fasthttp.RequestCtx) {
	out := []pactSummary{}
	for _, whom := range a.reg.Conversations() {
		if s, ok := a.summary(whom); ok {
			out = append(out, s)
		}
	}
	_ = router.WriteJSON(ctx, struct {
		Pacts []pactSummary `json:"pacts"`
	}{Pacts: out})
}

// ListWrits pages through a conversation. With from and/or to it walks
// [from, to) upwards and Next is the from of the following page. With
// neither it returns the newest records and Next is the to of the page
// before them.
func (a *API) ListWrits(ctx *fasthttp.RequestCtx) {
	p, ok := a.pactParam(ctx)
	if !ok {
		return
	}
	limit, err := router.QueryInt(ctx, "limit", DefaultPageLimit)
	if err != nil || limit <= 0 {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, MaxPageLimit)
	from, hasFrom, err := keyQuery(ctx, "from")
	if err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	to, hasTo, err := keyQuery(ctx, "to")
	if err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	snap := p.Snapshot()
	page := writPage{Writs: []models.Writ{}}
	if !hasFrom && !hasTo {
		ws := snap.Newest(limit + 1)
		if len(ws) > limit {
			ws = ws[1:]
			page.Pagination.HasMore = true
		}
		if page.Pagination.HasMore && len(ws) > 0 {
			page.Pagination.Next = ws[0].Time.UD()
		}
		page.Writs = append(page.Writs, ws...)
	} else {
		if !hasTo {
			to = timekey.Max
		}
		for w := range snap.Range(from, to) {
			if len(page.Writs) == limit {
				page.Pagination.HasMore = true
				page.Pagination.Next = w.Time.UD()
				break
			}
			page.Writs = append(page.Writs, w)
		}
	}
	page.Pagination.Limit = limit
	page.Pagination.Count = len(page.Writs)
	page.Pagination.Total = snap.Len()
	_ = router.WriteJSON(ctx, page)
}

// GetWrit returns one message, fetching it from the backing store when the
// cache does not hold it.
func (a *API) GetWrit(ctx *fasthttp.RequestCtx) {
	whom, ok := whomParam(ctx)
	if !ok {
		return
	}
	id, ok := router.ExtractParamOrFail(ctx, "id")
	if !ok {
		return
	}
	rctx, cancel := a.requestContext()
	defer cancel()
	w, found, err := a.reg.FetchMessage(rctx, whom, id)
	if err != nil {
		writeError(ctx, "get_writ", err)
		return
	}
	if !found {
		writeError(ctx, "get_writ", errors.Mark(errors.Newf("writ %q", id), ErrNotFound))
		return
	}
	_ = router.WriteJSON(ctx, w)
}

// ListReplies resolves the reply list of a message.
func (a *API) ListReplies(ctx *fasthttp.RequestCtx) {
	p, ok := a.pactParam(ctx)
	if !ok {
		return
	}
	id, ok := router.ExtractParamOrFail(ctx, "id")
	if !ok {
		return
	}
	snap := p.Snapshot()
	if _, ok := snap.ByID(id); !ok {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "writ not found")
		return
	}
	replies := snap.Replies(id)
	if replies == nil {
		replies = []models.Writ{}
	}
	_ = router.WriteJSON(ctx, struct {
		Writs []models.Writ `json:"writs"`
	}{Writs: replies})
}

// SendWrit posts a message. The body is either {"content": story} or the
// shorthand {"text": "..."}.
func (a *API) SendWrit(ctx *fasthttp.RequestCtx) {
	whom, ok := whomParam(ctx)
	if !ok {
		return
	}
	body := ctx.PostBody()
	if int64(len(body)) > a.opts.MaxWritBytes {
		router.WriteJSONError(ctx, fasthttp.StatusRequestEntityTooLarge, "message too large")
		return
	}
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid json")
		return
	}
	if req.Content.IsEmpty() && req.Text != "" {
		req.Content = models.Story{Inline: []models.Inline{models.Text(req.Text)}}
	}
	if req.Content.IsEmpty() {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "content is empty")
		return
	}
	rctx, cancel := a.requestContext()
	defer cancel()
	w, err := a.reg.SendMessage(rctx, whom, req.Content, req.Replying)
	if err != nil {
		writeError(ctx, "send_writ", err)
		return
	}
	router.WriteJSONStatus(ctx, fasthttp.StatusCreated, w)
}

// DeleteWrit tombstones a message.
func (a *API) DeleteWrit(ctx *fasthttp.RequestCtx) {
	whom, ok := whomParam(ctx)
	if !ok {
		return
	}
	id, ok := router.ExtractParamOrFail(ctx, "id")
	if !ok {
		return
	}
	rctx, cancel := a.requestContext()
	defer cancel()
	if err := a.reg.DeleteMessage(rctx, whom, id); err != nil {
		writeError(ctx, "delete_writ", err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// Subscribe starts mirroring a conversation. A failed backfill still
// leaves the subscription registered for a later resync.
func (a *API) Subscribe(ctx *fasthttp.RequestCtx) {
	whom, ok := whomParam(ctx)
	if !ok {
		return
	}
	rctx, cancel := a.requestContext()
	defer cancel()
	if _, err := a.reg.Subscribe(rctx, whom); err != nil {
		writeError(ctx, "subscribe", err)
		return
	}
	s, _ := a.summary(whom)
	_ = router.WriteJSON(ctx, s)
}

func (a *API) Unsubscribe(ctx *fasthttp.RequestCtx) {
	whom, ok := whomParam(ctx)
	if !ok {
		return
	}
	h, ok := a.reg.Lookup(whom)
	if !ok {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, whom.String()+" not subscribed")
		return
	}
	if err := a.reg.Unsubscribe(h); err != nil {
		writeError(ctx, "unsubscribe", err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// LoadOlder pages ?count= older messages in from the backing store.
func (a *API) LoadOlder(ctx *fasthttp.RequestCtx) {
	whom, ok := whomParam(ctx)
	if !ok {
		return
	}
	count, err := router.QueryInt(ctx, "count", DefaultPageLimit)
	if err != nil || count <= 0 {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "count must be a positive integer")
		return
	}
	rctx, cancel := a.requestContext()
	defer cancel()
	n, err := a.reg.LoadOlder(rctx, whom, min(count, MaxPageLimit))
	if err != nil {
		writeError(ctx, "load_older", err)
		return
	}
	_ = router.WriteJSON(ctx, struct {
		Fetched int `json:"fetched"`
	}{Fetched: n})
}
