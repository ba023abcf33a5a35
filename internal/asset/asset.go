// Package asset handles canonical impact-certificate reference parsing and
// validation. A reference names one unit of tokenized impact: the collection
// it belongs to, the unit id within it, and whether the unit is single- or
// multi-edition.
package asset

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/impactmx/impact-engine/internal/model"
)

// refRegex matches: {collection}:{unitID}:{kind}
// Example: mangrove-restoration:MR-0042:single
var refRegex = regexp.MustCompile(
	`^([a-z0-9][a-z0-9-]*):([A-Za-z0-9][A-Za-z0-9_-]*):(single|multi)$`,
)

var (
	ErrInvalidRef  = errors.New("asset: invalid reference format")
	ErrInvalidKind = errors.New("asset: kind must be single or multi")
)

// ParseRef parses and validates a canonical asset reference string.
// Format: {collection}:{unitID}:{kind}
func ParseRef(ref string) (model.AssetRef, error) {
	matches := refRegex.FindStringSubmatch(ref)
	if matches == nil {
		return model.AssetRef{}, fmt.Errorf("%w: %q (expected collection:unit:kind)",
			ErrInvalidRef, ref)
	}

	kind := model.AssetKind(matches[3])
	if kind != model.KindSingle && kind != model.KindMulti {
		return model.AssetRef{}, fmt.Errorf("%w: %q", ErrInvalidKind, matches[3])
	}

	return model.AssetRef{
		Collection: matches[1],
		UnitID:     matches[2],
		Kind:       kind,
	}, nil
}

// FormatRef renders the canonical string form of an asset reference.
func FormatRef(r model.AssetRef) string {
	return fmt.Sprintf("%s:%s:%s", r.Collection, r.UnitID, r.Kind)
}
