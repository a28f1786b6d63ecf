package pact

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

func seeded(t *testing.T, ws ...models.Writ) *State {
	t.Helper()
	txn := NewState().Begin(nil)
	for _, w := range ws {
		require.NoError(t, txn.Insert(w))
	}
	st := txn.Commit()
	require.NoError(t, check(st))
	return st
}

func TestLookups(t *testing.T) {
	st := seeded(t, writ("a", 10), writ("b", 20))

	got, ok := st.ByID("a")
	require.True(t, ok)
	assert.Equal(t, writ("a", 10), got)

	got, ok = st.ByTime(timekey.FromUint64(20))
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)

	_, ok = st.ByID("missing")
	assert.False(t, ok)
	_, ok = st.ByTime(timekey.FromUint64(15))
	assert.False(t, ok)

	key, ok := st.KeyOf("b")
	require.True(t, ok)
	assert.Equal(t, timekey.FromUint64(20), key)
}

func TestRangeIsHalfOpen(t *testing.T) {
	st := seeded(t, writ("a", 10), writ("b", 20), writ("c", 30))

	tests := []struct {
		name     string
		from, to uint64
		want     []string
	}{
		{"all", 0, 100, []string{"a", "b", "c"}},
		{"from inclusive", 20, 100, []string{"b", "c"}},
		{"to exclusive", 0, 30, []string{"a", "b"}},
		{"single", 20, 21, []string{"b"}},
		{"empty", 11, 20, []string{}},
		{"inverted", 30, 10, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(collect(st, tt.from, tt.to)))
		})
	}
}

func TestRangeIsRestartableAndStopsEarly(t *testing.T) {
	st := seeded(t, writ("a", 10), writ("b", 20), writ("c", 30))
	seq := st.Range(timekey.Zero, timekey.Max)

	first := ids(slices.Collect(seq))
	second := ids(slices.Collect(seq))
	assert.Equal(t, first, second)

	var seen []string
	for w := range seq {
		seen = append(seen, w.ID)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestNewestAndOlder(t *testing.T) {
	st := seeded(t, writ("a", 10), writ("b", 20), writ("c", 30), writ("d", 40))

	assert.Equal(t, []string{"c", "d"}, ids(st.Newest(2)))
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(st.Newest(10)))
	assert.Empty(t, st.Newest(0))

	assert.Equal(t, []string{"a", "b"}, ids(st.Older(timekey.FromUint64(30), 5)))
	assert.Equal(t, []string{"b"}, ids(st.Older(timekey.FromUint64(30), 1)))
	assert.Equal(t, []string{"b", "c"}, ids(st.Older(timekey.FromUint64(35), 2)))
	assert.Empty(t, st.Older(timekey.FromUint64(10), 5))

	oldest, ok := st.Oldest()
	require.True(t, ok)
	assert.Equal(t, timekey.FromUint64(10), oldest)
}

func TestRepliesTo(t *testing.T) {
	parent := writ("p", 10)
	r1 := writ("r1", 30)
	r1.RepliedIDs = []string{"p"}
	r0 := writ("r0", 20)
	r0.RepliedIDs = []string{"other", "p"}
	unrelated := writ("u", 25)

	st := seeded(t, parent, r1, r0, unrelated)

	assert.Equal(t, []string{"r0", "r1"}, ids(st.RepliesTo("p")))
	assert.Empty(t, st.RepliesTo("nobody"))
}

func TestRepliesSkipsUnresolved(t *testing.T) {
	parent := writ("p", 10)
	parent.RepliedIDs = []string{"late", "c2", "c1", "c1"}
	st := seeded(t, parent, writ("c1", 20), writ("c2", 30))

	assert.Equal(t, []string{"c1", "c2"}, ids(st.Replies("p")))
	assert.Empty(t, st.Replies("missing"))
}

func TestReadsReturnCopies(t *testing.T) {
	st := seeded(t, writ("a", 10))
	got, _ := st.ByID("a")
	got.Content.Inline[0].Text = "mutated"

	again, _ := st.ByID("a")
	assert.Equal(t, "body of a", again.Content.Inline[0].Text)
}

func TestEqual(t *testing.T) {
	a := seeded(t, writ("a", 10), writ("b", 20))
	b := seeded(t, writ("b", 20), writ("a", 10))
	c := seeded(t, writ("a", 10))

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.True(t, Equal(NewState(), NewState()))
}
