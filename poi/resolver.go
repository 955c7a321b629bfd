// Package poi resolves symbolic navigation targets like ("TABLE", "5")
// to concrete vendor POIs on the robot's map.
package poi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fleetworks/fleetd/robot"
	"github.com/fleetworks/fleetd/storage"
)

// ErrNoMatch is returned when no POI on the robot's map satisfies the
// target.
var ErrNoMatch = errors.New("no matching poi")

// POISource lists the POIs visible to a robot.
type POISource interface {
	ListPOIs(ctx context.Context, robotID string, onlyCurrentArea bool) ([]robot.POI, error)
}

// MappingSource looks up operator-pinned (kind, ref) -> poi mappings.
type MappingSource interface {
	GetMapping(ctx context.Context, kind, ref string) (*storage.PoiMapping, error)
}

// Resolver maps a (kind, ref) target to a POI. Resolution order:
//
//  1. explicit mapping, checked against the current area first and then
//     all areas
//  2. direct id match, when ref is already a poi id
//  3. name-pattern fallback per kind
type Resolver struct {
	pois     POISource
	mappings MappingSource
}

// NewResolver creates a Resolver.
func NewResolver(pois POISource, mappings MappingSource) *Resolver {
	return &Resolver{pois: pois, mappings: mappings}
}

var digitRe = regexp.MustCompile(`(\d+)`)

var spaceRe = regexp.MustCompile(`\s+`)

func norm(s string) string {
	return spaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// Resolve finds the POI for the target. ErrNoMatch is wrapped in the
// returned error when every tier comes up empty.
func (r *Resolver) Resolve(ctx context.Context, robotID, targetKind, targetRef string) (*robot.POI, error) {
	kind := strings.ToUpper(strings.TrimSpace(targetKind))
	ref := strings.TrimSpace(targetRef)

	// Tier 1: explicit mapping.
	mapping, err := r.mappings.GetMapping(ctx, kind, ref)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("mapping lookup: %w", err)
	}
	if mapping != nil {
		if p, err := r.findByID(ctx, robotID, mapping.PoiID); err != nil {
			return nil, err
		} else if p != nil {
			return p, nil
		}
		// Mapping points at a POI no longer on the map; fall through.
	}

	pois, err := r.pois.ListPOIs(ctx, robotID, false)
	if err != nil {
		return nil, fmt.Errorf("list pois: %w", err)
	}

	// Tier 2: ref is already a poi id.
	for i := range pois {
		if pois[i].ID == ref {
			return &pois[i], nil
		}
	}

	// Tier 3: name patterns per kind.
	if p := matchByName(pois, kind, ref); p != nil {
		return p, nil
	}

	return nil, fmt.Errorf("%w for kind=%s ref=%q on robot %s", ErrNoMatch, kind, ref, robotID)
}

// findByID searches the current area first, then all areas.
func (r *Resolver) findByID(ctx context.Context, robotID, poiID string) (*robot.POI, error) {
	for _, onlyCurrent := range []bool{true, false} {
		pois, err := r.pois.ListPOIs(ctx, robotID, onlyCurrent)
		if err != nil {
			return nil, fmt.Errorf("list pois: %w", err)
		}
		for i := range pois {
			if pois[i].ID == poiID {
				return &pois[i], nil
			}
		}
	}
	return nil, nil
}

func matchByName(pois []robot.POI, kind, ref string) *robot.POI {
	switch kind {
	case "TABLE":
		m := digitRe.FindString(ref)
		if m == "" {
			return nil
		}
		if p := firstMatch(pois, func(name string) bool {
			return (strings.Contains(name, "table") || strings.Contains(name, "tbl")) && strings.Contains(name, m)
		}); p != nil {
			return p
		}
		return firstMatch(pois, func(name string) bool {
			return strings.Contains(name, m)
		})

	case "KITCHEN":
		return firstMatch(pois, contains("kitchen"))

	case "OPERATOR":
		return firstMatch(pois, contains("operator"))

	case "WASHING":
		if p := firstMatch(pois, anyOf("wash", "dish", "sink")); p != nil {
			return p
		}
		// No dedicated wash station; the kitchen doubles as one.
		return firstMatch(pois, contains("kitchen"))

	case "CHARGING":
		return firstMatch(pois, anyOf("charg", "dock", "pile"))
	}

	// Generic fallback: the POI name contains the ref.
	refN := norm(ref)
	if refN == "" {
		return nil
	}
	return firstMatch(pois, contains(refN))
}

func firstMatch(pois []robot.POI, pred func(name string) bool) *robot.POI {
	for i := range pois {
		if pred(norm(pois[i].Name)) {
			return &pois[i]
		}
	}
	return nil
}

func contains(sub string) func(string) bool {
	return func(name string) bool { return strings.Contains(name, sub) }
}

func anyOf(subs ...string) func(string) bool {
	return func(name string) bool {
		for _, sub := range subs {
			if strings.Contains(name, sub) {
				return true
			}
		}
		return false
	}
}
