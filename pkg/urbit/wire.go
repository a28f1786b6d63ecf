package urbit

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

// ErrMalformed marks chat JSON that cannot be mapped onto a writ.
var ErrMalformed = errors.New("malformed chat json")

// JSON shapes of the chat agent's marks.

type writJSON struct {
	Seal sealJSON `json:"seal"`
	Memo memoJSON `json:"memo"`
}

type sealJSON struct {
	ID      string            `json:"id"`
	Feels   map[string]string `json:"feels"`
	Replied []string          `json:"replied"`
}

type memoJSON struct {
	Replying *string     `json:"replying"`
	Author   string      `json:"author"`
	Sent     int64       `json:"sent"`
	Content  contentJSON `json:"content"`
}

type contentJSON struct {
	Inline []json.RawMessage `json:"inline"`
	Block  []json.RawMessage `json:"block"`
}

type writDiffJSON struct {
	ID    string                     `json:"id"`
	Delta map[string]json.RawMessage `json:"delta"`
}

type linkJSON struct {
	Href    string `json:"href"`
	Content string `json:"content"`
}

// TimeFromID recovers the time key minted into a writ id ("~zod/170.141...").
func TimeFromID(id string) (timekey.Key, error) {
	i := strings.LastIndexByte(id, '/')
	if i < 0 {
		return timekey.Zero, errors.Mark(errors.Newf("writ id %q has no time", id), ErrMalformed)
	}
	return timekey.ParseUD(id[i+1:])
}

func decodeWrit(t timekey.Key, in writJSON) (models.Writ, error) {
	content, err := decodeContent(in.Memo.Content)
	if err != nil {
		return models.Writ{}, errors.Wrapf(err, "writ %s", in.Seal.ID)
	}
	w := models.Writ{
		ID:         in.Seal.ID,
		Author:     in.Memo.Author,
		Time:       t,
		Sent:       in.Memo.Sent,
		Content:    content,
		RepliedIDs: in.Seal.Replied,
	}
	if in.Memo.Replying != nil {
		w.Replying = *in.Memo.Replying
	}
	if len(in.Seal.Feels) > 0 {
		w.Feels = in.Seal.Feels
	}
	return w, nil
}

// decodeWrits maps a scry result keyed by @ud time onto writs. Keys that do
// not parse fall back to the time in the writ's id.
func decodeWrits(in map[string]writJSON) ([]models.Writ, error) {
	out := make([]models.Writ, 0, len(in))
	for ud, wj := range in {
		t, err := timekey.ParseUD(ud)
		if err != nil {
			if t, err = TimeFromID(wj.Seal.ID); err != nil {
				return nil, err
			}
		}
		w, err := decodeWrit(t, wj)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// decodeDiff maps one fact of a writs subscription onto a delta. Diffs
// the cache does not track, such as reactions, report ok false.
func decodeDiff(raw json.RawMessage) (d models.Delta, ok bool, err error) {
	var diff writDiffJSON
	if err := json.Unmarshal(raw, &diff); err != nil {
		return models.Delta{}, false, errors.Mark(errors.Wrap(err, "decode writ diff"), ErrMalformed)
	}
	if diff.ID == "" {
		return models.Delta{}, false, errors.Mark(errors.New("writ diff without id"), ErrMalformed)
	}
	if _, del := diff.Delta["del"]; del {
		return models.DeleteDelta(diff.ID), true, nil
	}
	add, isAdd := diff.Delta["add"]
	if !isAdd {
		return models.Delta{}, false, nil
	}
	var memo memoJSON
	if err := json.Unmarshal(add, &memo); err != nil {
		return models.Delta{}, false, errors.Mark(errors.Wrapf(err, "decode memo of %s", diff.ID), ErrMalformed)
	}
	t, err := TimeFromID(diff.ID)
	if err != nil {
		return models.Delta{}, false, err
	}
	w, err := decodeWrit(t, writJSON{Seal: sealJSON{ID: diff.ID}, Memo: memo})
	if err != nil {
		return models.Delta{}, false, err
	}
	return models.AddDelta(w), true, nil
}

func encodeMemo(w models.Writ) memoJSON {
	m := memoJSON{
		Author: w.Author,
		Sent:   w.Sent,
		Content: contentJSON{
			Inline: encodeInlines(w.Content.Inline),
			Block:  encodeBlocks(w.Content.Block),
		},
	}
	if w.Replying != "" {
		r := w.Replying
		m.Replying = &r
	}
	return m
}

func decodeContent(c contentJSON) (models.Story, error) {
	var s models.Story
	for _, raw := range c.Inline {
		in, ok, err := decodeInline(raw)
		if err != nil {
			return models.Story{}, err
		}
		if ok {
			s.Inline = append(s.Inline, in)
		}
	}
	for _, raw := range c.Block {
		b, ok, err := decodeBlock(raw)
		if err != nil {
			return models.Story{}, err
		}
		if ok {
			s.Block = append(s.Block, b)
		}
	}
	return s, nil
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func encodeInlines(in []models.Inline) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(in))
	for _, sp := range in {
		out = append(out, encodeInline(sp))
	}
	return out
}

func encodeInline(sp models.Inline) json.RawMessage {
	switch sp.Kind {
	case models.InlineText:
		return mustRaw(sp.Text)
	case models.InlineBold, models.InlineItalics, models.InlineStrike, models.InlineBlockquote:
		return mustRaw(map[string][]json.RawMessage{string(sp.Kind): encodeInlines(sp.Children)})
	case models.InlineCode, models.InlineShip:
		return mustRaw(map[string]string{string(sp.Kind): sp.Text})
	case models.InlineLink:
		return mustRaw(map[string]linkJSON{"link": {Href: sp.Href, Content: sp.Text}})
	case models.InlineBreak:
		return json.RawMessage(`{"break":null}`)
	default:
		return mustRaw(sp.Text)
	}
}

// decodeInline reports ok false for span kinds it does not know.
func decodeInline(raw json.RawMessage) (models.Inline, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return models.Inline{}, false, errors.Mark(err, ErrMalformed)
		}
		return models.Text(s), true, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return models.Inline{}, false, errors.Mark(errors.Wrap(err, "decode inline"), ErrMalformed)
	}
	for k, v := range obj {
		kind := models.InlineKind(k)
		switch kind {
		case models.InlineBold, models.InlineItalics, models.InlineStrike, models.InlineBlockquote:
			var children []json.RawMessage
			if err := json.Unmarshal(v, &children); err != nil {
				return models.Inline{}, false, errors.Mark(errors.Wrapf(err, "decode %s", k), ErrMalformed)
			}
			sp := models.Inline{Kind: kind}
			for _, c := range children {
				child, ok, err := decodeInline(c)
				if err != nil {
					return models.Inline{}, false, err
				}
				if ok {
					sp.Children = append(sp.Children, child)
				}
			}
			return sp, true, nil
		case models.InlineCode, models.InlineShip:
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return models.Inline{}, false, errors.Mark(errors.Wrapf(err, "decode %s", k), ErrMalformed)
			}
			return models.Inline{Kind: kind, Text: s}, true, nil
		case models.InlineLink:
			var l linkJSON
			if err := json.Unmarshal(v, &l); err != nil {
				return models.Inline{}, false, errors.Mark(errors.Wrap(err, "decode link"), ErrMalformed)
			}
			return models.Inline{Kind: kind, Href: l.Href, Text: l.Content}, true, nil
		case models.InlineBreak:
			return models.Inline{Kind: kind}, true, nil
		}
	}
	return models.Inline{}, false, nil
}

func encodeBlocks(in []models.Block) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(in))
	for _, b := range in {
		switch {
		case b.Image != nil:
			out = append(out, mustRaw(map[string]*models.Image{"image": b.Image}))
		case b.Cite != "":
			out = append(out, mustRaw(map[string]string{"cite": b.Cite}))
		}
	}
	return out
}

func decodeBlock(raw json.RawMessage) (models.Block, bool, error) {
	var obj struct {
		Image *models.Image   `json:"image"`
		Cite  json.RawMessage `json:"cite"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return models.Block{}, false, errors.Mark(errors.Wrap(err, "decode block"), ErrMalformed)
	}
	if obj.Image != nil {
		return models.Block{Image: obj.Image}, true, nil
	}
	var cite string
	if len(obj.Cite) > 0 && json.Unmarshal(obj.Cite, &cite) == nil && cite != "" {
		return models.Block{Cite: cite}, true, nil
	}
	return models.Block{}, false, nil
}
