package router

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
)

// WriteJSON writes a JSON response.
func WriteJSON(ctx *fasthttp.RequestCtx, data any) error {
	ctx.Response.Header.SetContentType("application/json")
	return json.NewEncoder(ctx).Encode(data)
}

// WriteJSONStatus writes a JSON response with status.
func WriteJSONStatus(ctx *fasthttp.RequestCtx, status int, data any) {
	ctx.SetStatusCode(status)
	_ = WriteJSON(ctx, data)
}

// WriteJSONError writes {"error": message} with status.
func WriteJSONError(ctx *fasthttp.RequestCtx, status int, message string) {
	WriteJSONStatus(ctx, status, map[string]string{"error": message})
}

// PathParam returns the unescaped value of a {name} path segment.
func PathParam(ctx *fasthttp.RequestCtx, param string) string {
	if v := ctx.UserValue(param); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// ExtractParamOrFail writes a 400 and returns false when param is missing.
func ExtractParamOrFail(ctx *fasthttp.RequestCtx, param string) (string, bool) {
	val := PathParam(ctx, param)
	if val == "" {
		WriteJSONError(ctx, fasthttp.StatusBadRequest, param+" missing")
		return "", false
	}
	return val, true
}

// QueryInt parses an integer query argument, returning def when absent.
func QueryInt(ctx *fasthttp.RequestCtx, name string, def int) (int, error) {
	raw := ctx.QueryArgs().Peek(name)
	if len(raw) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, errors.Wrapf(err, "query %s", name)
	}
	return n, nil
}
