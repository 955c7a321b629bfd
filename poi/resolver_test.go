package poi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/fleetd/robot"
	"github.com/fleetworks/fleetd/storage"
)

type fakePOISource struct {
	currentArea []robot.POI
	allAreas    []robot.POI
}

func (f *fakePOISource) ListPOIs(_ context.Context, _ string, onlyCurrentArea bool) ([]robot.POI, error) {
	if onlyCurrentArea {
		return f.currentArea, nil
	}
	return f.allAreas, nil
}

func newResolver(t *testing.T, src *fakePOISource, mappings ...*storage.PoiMapping) *Resolver {
	t.Helper()
	store := storage.NewMemStore()
	for _, m := range mappings {
		require.NoError(t, store.UpsertMapping(context.Background(), m))
	}
	return NewResolver(src, store)
}

func pois(entries ...[2]string) []robot.POI {
	out := make([]robot.POI, 0, len(entries))
	for _, e := range entries {
		out = append(out, robot.POI{ID: e[0], Name: e[1]})
	}
	return out
}

func TestResolverMappingTier(t *testing.T) {
	ctx := context.Background()

	t.Run("mapping hit in current area wins", func(t *testing.T) {
		src := &fakePOISource{
			currentArea: pois([2]string{"poi-9", "weird name"}),
			allAreas:    pois([2]string{"poi-9", "weird name"}, [2]string{"poi-5", "5 table"}),
		}
		r := newResolver(t, src, &storage.PoiMapping{Kind: "TABLE", Ref: "5", PoiID: "poi-9"})

		p, err := r.Resolve(ctx, "robot-1", "table", "5")
		require.NoError(t, err)
		assert.Equal(t, "poi-9", p.ID)
	})

	t.Run("mapping falls back to all areas", func(t *testing.T) {
		src := &fakePOISource{
			currentArea: nil,
			allAreas:    pois([2]string{"poi-9", "weird name"}),
		}
		r := newResolver(t, src, &storage.PoiMapping{Kind: "TABLE", Ref: "5", PoiID: "poi-9"})

		p, err := r.Resolve(ctx, "robot-1", "TABLE", "5")
		require.NoError(t, err)
		assert.Equal(t, "poi-9", p.ID)
	})

	t.Run("stale mapping falls through to name matching", func(t *testing.T) {
		src := &fakePOISource{
			allAreas: pois([2]string{"poi-5", "table 5"}),
		}
		r := newResolver(t, src, &storage.PoiMapping{Kind: "TABLE", Ref: "5", PoiID: "poi-gone"})

		p, err := r.Resolve(ctx, "robot-1", "TABLE", "5")
		require.NoError(t, err)
		assert.Equal(t, "poi-5", p.ID)
	})
}

func TestResolverDirectID(t *testing.T) {
	src := &fakePOISource{
		allAreas: pois([2]string{"poi-42", "anything"}),
	}
	r := newResolver(t, src)

	p, err := r.Resolve(context.Background(), "robot-1", "TABLE", "poi-42")
	require.NoError(t, err)
	assert.Equal(t, "poi-42", p.ID)
}

func TestResolverTableNames(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers names with table or tbl plus the number", func(t *testing.T) {
		src := &fakePOISource{
			allAreas: pois(
				[2]string{"poi-a", "Room 5"},
				[2]string{"poi-b", "Table 5"},
			),
		}
		r := newResolver(t, src)

		p, err := r.Resolve(ctx, "robot-1", "TABLE", "5")
		require.NoError(t, err)
		assert.Equal(t, "poi-b", p.ID)
	})

	t.Run("tbl abbreviation matches", func(t *testing.T) {
		src := &fakePOISource{allAreas: pois([2]string{"poi-b", "TBL5"})}
		r := newResolver(t, src)

		p, err := r.Resolve(ctx, "robot-1", "TABLE", "5")
		require.NoError(t, err)
		assert.Equal(t, "poi-b", p.ID)
	})

	t.Run("bare number is a last resort", func(t *testing.T) {
		src := &fakePOISource{allAreas: pois([2]string{"poi-a", "spot 7"})}
		r := newResolver(t, src)

		p, err := r.Resolve(ctx, "robot-1", "TABLE", "table 7 please")
		require.NoError(t, err)
		assert.Equal(t, "poi-a", p.ID)
	})

	t.Run("ref without digits cannot resolve", func(t *testing.T) {
		src := &fakePOISource{allAreas: pois([2]string{"poi-a", "table five"})}
		r := newResolver(t, src)

		_, err := r.Resolve(ctx, "robot-1", "TABLE", "five")
		assert.ErrorIs(t, err, ErrNoMatch)
	})
}

func TestResolverKindFallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("kitchen", func(t *testing.T) {
		src := &fakePOISource{allAreas: pois([2]string{"poi-k", "Main Kitchen"})}
		p, err := newResolver(t, src).Resolve(ctx, "robot-1", "KITCHEN", "main")
		require.NoError(t, err)
		assert.Equal(t, "poi-k", p.ID)
	})

	t.Run("operator", func(t *testing.T) {
		src := &fakePOISource{allAreas: pois([2]string{"poi-o", "Operator Desk"})}
		p, err := newResolver(t, src).Resolve(ctx, "robot-1", "OPERATOR", "main")
		require.NoError(t, err)
		assert.Equal(t, "poi-o", p.ID)
	})

	t.Run("washing prefers wash dish sink", func(t *testing.T) {
		src := &fakePOISource{allAreas: pois(
			[2]string{"poi-k", "kitchen"},
			[2]string{"poi-w", "Dish Area"},
		)}
		p, err := newResolver(t, src).Resolve(ctx, "robot-1", "WASHING", "main")
		require.NoError(t, err)
		assert.Equal(t, "poi-w", p.ID)
	})

	t.Run("washing falls back to kitchen", func(t *testing.T) {
		src := &fakePOISource{allAreas: pois([2]string{"poi-k", "kitchen"})}
		p, err := newResolver(t, src).Resolve(ctx, "robot-1", "WASHING", "main")
		require.NoError(t, err)
		assert.Equal(t, "poi-k", p.ID)
	})

	t.Run("charging matches charg dock pile", func(t *testing.T) {
		for _, name := range []string{"Charging Pile", "Dock 1", "charger"} {
			src := &fakePOISource{allAreas: pois([2]string{"poi-c", name})}
			p, err := newResolver(t, src).Resolve(ctx, "robot-1", "CHARGING", "main")
			require.NoError(t, err, name)
			assert.Equal(t, "poi-c", p.ID)
		}
	})

	t.Run("unknown kind uses ref substring", func(t *testing.T) {
		src := &fakePOISource{allAreas: pois([2]string{"poi-x", "  Staff   Entrance "})}
		p, err := newResolver(t, src).Resolve(ctx, "robot-1", "DOOR", "staff entrance")
		require.NoError(t, err)
		assert.Equal(t, "poi-x", p.ID)
	})

	t.Run("nothing matches", func(t *testing.T) {
		src := &fakePOISource{allAreas: pois([2]string{"poi-x", "lobby"})}
		_, err := newResolver(t, src).Resolve(ctx, "robot-1", "DOOR", "garage")
		assert.ErrorIs(t, err, ErrNoMatch)
	})
}

func TestNorm(t *testing.T) {
	assert.Equal(t, "table 5", norm("  Table   5 "))
	assert.Equal(t, "", norm("   "))
}
