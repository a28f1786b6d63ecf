package urbit

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

func TestInlineWireFormat(t *testing.T) {
	tests := []struct {
		name string
		in   models.Inline
		json string
	}{
		{"text", models.Text("hi"), `"hi"`},
		{"bold", models.Inline{Kind: models.InlineBold, Children: []models.Inline{models.Text("b")}}, `{"bold":["b"]}`},
		{"nested", models.Inline{Kind: models.InlineItalics, Children: []models.Inline{
			{Kind: models.InlineStrike, Children: []models.Inline{models.Text("x")}},
		}}, `{"italics":[{"strike":["x"]}]}`},
		{"code", models.Inline{Kind: models.InlineCode, Text: "go vet"}, `{"inline-code":"go vet"}`},
		{"ship", models.Inline{Kind: models.InlineShip, Text: "~nec"}, `{"ship":"~nec"}`},
		{"link", models.Inline{Kind: models.InlineLink, Href: "https://urbit.org", Text: "urbit"}, `{"link":{"href":"https://urbit.org","content":"urbit"}}`},
		{"break", models.Inline{Kind: models.InlineBreak}, `{"break":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := encodeInline(tt.in)
			assert.JSONEq(t, tt.json, string(raw))

			got, ok, err := decodeInline(json.RawMessage(tt.json))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.in, got)
		})
	}
}

func TestDecodeSkipsUnknownContent(t *testing.T) {
	story, err := decodeContent(contentJSON{
		Inline: []json.RawMessage{json.RawMessage(`"a"`), json.RawMessage(`{"tag":"x"}`), json.RawMessage(`"b"`)},
		Block: []json.RawMessage{
			json.RawMessage(`{"image":{"src":"https://x/y.png","height":10,"width":20,"alt":"y"}}`),
			json.RawMessage(`{"cite":{"group":"~zod/club"}}`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Inline{models.Text("a"), models.Text("b")}, story.Inline)
	require.Len(t, story.Block, 1)
	assert.Equal(t, &models.Image{Src: "https://x/y.png", Height: 10, Width: 20, Alt: "y"}, story.Block[0].Image)

	_, err = decodeContent(contentJSON{Inline: []json.RawMessage{json.RawMessage(`{"bold":"nope"}`)}})
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestTimeFromID(t *testing.T) {
	k := timekey.FromUnixMilli(1650000000123)
	got, err := TimeFromID(models.MakeID("~zod", k))
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = TimeFromID("no-slash")
	assert.True(t, errors.Is(err, ErrMalformed))
	_, err = TimeFromID("~zod/12x")
	assert.True(t, errors.Is(err, timekey.ErrMalformedKey))
}

func TestDecodeDiff(t *testing.T) {
	k := timekey.FromUnixMilli(1650000000000)
	id := models.MakeID("~nec", k)

	d, ok, err := decodeDiff(json.RawMessage(`{"id":"` + id + `","delta":{"add":{"replying":"~zod/1.000","author":"~nec","sent":5,"content":{"inline":["x"],"block":[]}}}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.AddDelta(models.Writ{
		ID:       id,
		Author:   "~nec",
		Time:     k,
		Sent:     5,
		Content:  models.Story{Inline: []models.Inline{models.Text("x")}},
		Replying: "~zod/1.000",
	}), d)

	_, ok, err = decodeDiff(json.RawMessage(`{"id":"` + id + `","delta":{"del-feel":"~zod"}}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = decodeDiff(json.RawMessage(`{"id":"nope","delta":{"add":{"author":"~nec","content":{}}}}`))
	assert.True(t, errors.Is(err, ErrMalformed))
}
