package registry

import (
	"hash/fnv"
	"sort"

	"github.com/google/uuid"
)

// SampleVariant deterministically picks a variant name from candidates (a
// subset of f.Variants, e.g. narrowed to a pinned variant_name) given an
// episode id and the function name.
//
// The draw u = hash(episode_id, function_name) mod sum(weights) is computed
// with FNV-1a over the episode id bytes and the function name.
//
// Candidates are iterated in a name-sorted order so the cumulative-weight
// window is itself deterministic across calls, independent of map iteration
// order.
func SampleVariant(episodeID uuid.UUID, functionName string, candidates map[string]*Variant) (string, error) {
	names := make([]string, 0, len(candidates))
	var total float64
	for name, v := range candidates {
		if v.Weight <= 0 {
			continue
		}
		names = append(names, name)
		total += v.Weight
	}
	if len(names) == 0 {
		return "", errNoPositiveWeightVariants
	}
	sort.Strings(names)

	u := drawUnit(episodeID, functionName) * total
	var cumulative float64
	for _, name := range names {
		cumulative += candidates[name].Weight
		if u < cumulative {
			return name, nil
		}
	}
	// Floating point rounding may leave u just at the boundary; fall back to
	// the last candidate rather than erroring.
	return names[len(names)-1], nil
}

// drawUnit returns a value in [0, 1) deterministic in (episodeID,
// functionName).
func drawUnit(episodeID uuid.UUID, functionName string) float64 {
	h := fnv.New64a()
	_, _ = h.Write(episodeID[:])
	_, _ = h.Write([]byte(functionName))
	const maxUint64Float = 1 << 64
	return float64(h.Sum64()) / maxUint64Float
}

type samplingError string

func (e samplingError) Error() string { return string(e) }

const errNoPositiveWeightVariants = samplingError("registry: no candidate variant has positive weight")
