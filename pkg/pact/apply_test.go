package pact

import (
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

func apply(t *testing.T, st *State, gen *timekey.Generator, ds ...models.Delta) *State {
	t.Helper()
	for _, d := range ds {
		next, _, err := ApplyDelta(st, d, gen)
		require.NoError(t, err)
		st = next
	}
	require.NoError(t, check(st))
	return st
}

func TestInsertThenLookup(t *testing.T) {
	w := writ("a", 10)
	w.RepliedIDs = []string{"x"}
	w.Feels = map[string]string{"~nec": "+1"}
	st := seeded(t, w)

	got, ok := st.ByID("a")
	require.True(t, ok)
	assert.Equal(t, w, got)
}

func TestInsertRejectsDuplicates(t *testing.T) {
	st := seeded(t, writ("a", 10))

	err := st.Begin(nil).Insert(writ("a", 20))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateInsert))
	assert.True(t, IsInvariantViolation(err))

	err = st.Begin(nil).Insert(writ("b", 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyCollision))
	assert.True(t, IsInvariantViolation(err))
}

func TestAddOutOfOrderLandsInTimeOrder(t *testing.T) {
	st := apply(t, NewState(), nil,
		models.AddDelta(writ("A", 200)),
		models.AddDelta(writ("B", 100)),
	)
	assert.Equal(t, []string{"B", "A"}, ids(collect(st, 0, 300)))
}

func TestAddCollisionLeavesStateUnchanged(t *testing.T) {
	st := seeded(t, writ("a", 10))
	next, changed, err := ApplyDelta(st, models.AddDelta(writ("b", 10)), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyCollision))
	assert.False(t, changed)
	assert.Same(t, st, next)
	assert.Equal(t, 1, next.Len())
}

func TestRemoteAddWithoutTimeIsRejected(t *testing.T) {
	w := writ("a", 0)
	_, _, err := ApplyDelta(NewState(), models.AddDelta(w), timekey.NewGenerator())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDelta))
	assert.False(t, IsInvariantViolation(err))

	_, _, err = ApplyDelta(NewState(), models.Delta{Kind: models.DeltaAdd}, nil)
	assert.True(t, errors.Is(err, ErrInvalidDelta))
}

func TestInsertRejectsInvalidWrits(t *testing.T) {
	tests := []struct {
		name string
		w    models.Writ
	}{
		{"no id", writ("", 10)},
		{"no time key", writ("a", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := NewState().Begin(timekey.NewGenerator())
			err := txn.Insert(tt.w)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDelta))
			assert.False(t, IsInvariantViolation(err))
			assert.False(t, txn.Changed())
			assert.Equal(t, 0, txn.Commit().Len())
		})
	}
}

func TestOptimisticEchoReplacesInPlace(t *testing.T) {
	clock := time.UnixMilli(1700000000000)
	gen := timekey.NewGeneratorWithClock(func() time.Time { return clock })

	local := writ("~zod/msg", 0)
	st := apply(t, NewState(), gen, models.LocalAddDelta(local))

	slot, ok := st.KeyOf("~zod/msg")
	require.True(t, ok)
	assert.False(t, slot.IsZero())
	assert.True(t, st.Pending("~zod/msg"))

	// the server confirms with its own time and slightly different content
	echo := writ("~zod/msg", 0)
	echo.Time = slot.Next().Next()
	echo.Content = models.Story{Inline: []models.Inline{models.Text("confirmed")}}
	before := st.Len()
	st = apply(t, st, gen, models.AddDelta(echo))

	assert.Equal(t, before, st.Len())
	assert.False(t, st.Pending("~zod/msg"))
	got, ok := st.ByID("~zod/msg")
	require.True(t, ok)
	assert.Equal(t, slot, got.Time)
	assert.Equal(t, "confirmed", got.Content.Inline[0].Text)
	assert.Equal(t, []string{"~zod/msg"}, ids(slices.Collect(st.Range(timekey.Zero, timekey.Max))))
}

func TestDeleteTombstones(t *testing.T) {
	parent := writ("p", 10)
	child := writ("c", 20)
	child.RepliedIDs = []string{"p"}
	st := seeded(t, parent, child)

	st = apply(t, st, nil, models.DeleteDelta("c"))

	got, ok := st.ByID("c")
	require.True(t, ok)
	assert.True(t, got.Deleted)
	assert.True(t, got.Content.IsEmpty())
	assert.Equal(t, 2, st.Len())
	assert.Equal(t, []string{"c"}, ids(st.RepliesTo("p")))

	// a late add for the same id cannot resurrect it
	st = apply(t, st, nil, models.AddDelta(child))
	got, _ = st.ByID("c")
	assert.True(t, got.Deleted)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	st := seeded(t, writ("a", 10))
	next, changed, err := ApplyDelta(st, models.DeleteDelta("ghost"), nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, Equal(st, next))
}

func TestReplayIsIdempotent(t *testing.T) {
	ds := []models.Delta{
		models.AddDelta(writ("a", 10)),
		models.AddDelta(writ("b", 20)),
		models.DeleteDelta("a"),
		models.AddDelta(writ("c", 15)),
	}
	once := apply(t, NewState(), nil, ds...)
	twice := apply(t, once, nil, ds...)
	assert.True(t, Equal(once, twice))

	for _, d := range ds {
		_, changed, err := ApplyDelta(twice, d, nil)
		require.NoError(t, err)
		assert.False(t, changed)
	}
}

func TestRandomReplayIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		var ds []models.Delta
		var added []string
		for i := 0; i < 40; i++ {
			if len(added) > 0 && rng.Intn(3) == 0 {
				ds = append(ds, models.DeleteDelta(added[rng.Intn(len(added))]))
				continue
			}
			id := string(rune('a'+i%26)) + string(rune('a'+i/26))
			added = append(added, id)
			ds = append(ds, models.AddDelta(writ(id, uint64(rng.Intn(1_000_000))+uint64(i)*1_000_000)))
		}
		once := apply(t, NewState(), nil, ds...)

		// replay the same multiset shuffled; adds stay before their deletes
		replay := append([]models.Delta(nil), ds...)
		rng.Shuffle(len(replay), func(i, j int) { replay[i], replay[j] = replay[j], replay[i] })
		twice := apply(t, once, nil, replay...)
		require.True(t, Equal(once, twice), "round %d", round)

		var prev *models.Writ
		for w := range twice.All() {
			if prev != nil {
				require.Equal(t, -1, timekey.Compare(prev.Time, w.Time))
			}
			prev = &w
		}
	}
}

func TestConcreteScenario(t *testing.T) {
	st := apply(t, NewState(), nil,
		models.AddDelta(writ("m1", 100)),
		models.AddDelta(writ("m2", 200)),
		models.DeleteDelta("m1"),
		models.AddDelta(writ("m3", 150)),
	)

	got := collect(st, 0, 300)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m1", "m3", "m2"}, ids(got))
	assert.True(t, got[0].Deleted)
	assert.True(t, got[0].Content.IsEmpty())
	assert.False(t, got[1].Deleted)
	assert.False(t, got[2].Deleted)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	st := seeded(t, writ("a", 10))
	next := apply(t, st, nil, models.AddDelta(writ("b", 20)), models.DeleteDelta("a"))

	assert.Equal(t, 1, st.Len())
	got, _ := st.ByID("a")
	assert.False(t, got.Deleted)
	assert.Equal(t, 2, next.Len())
}
