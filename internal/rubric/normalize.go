package rubric

import (
	"math"

	"github.com/rs/zerolog"
)

// Normalize returns a fully weighted copy of tree. Missing section weights share
// whatever the stated sections leave of 100; a section with any unweighted
// criterion is split equally across all of its criteria. Applying Normalize to
// its own output is a no-op.
func Normalize(tree Tree, logger zerolog.Logger) Tree {
	out := tree.Clone()
	if len(out.Sections) == 0 {
		return out
	}
	logger = logger.With().Str("component", "weight_normalizer").Logger()

	derived := make([]bool, len(out.Sections))
	stated := 0.0
	unweighted := 0
	for i := range out.Sections {
		section := &out.Sections[i]
		if section.Weight != nil {
			stated += *section.Weight
			continue
		}
		derived[i] = true
		if sum, ok := criteriaSum(section.Criteria); ok {
			section.Weight = Float(sum)
			stated += sum
			continue
		}
		unweighted++
	}

	if unweighted > 0 {
		share := 100.0 / float64(len(out.Sections))
		if remainder := 100 - stated; unweighted < len(out.Sections) && remainder > weightTolerance {
			share = remainder / float64(unweighted)
		}
		for i := range out.Sections {
			if out.Sections[i].Weight == nil {
				out.Sections[i].Weight = Float(share)
			}
		}
	}

	for i := range out.Sections {
		section := &out.Sections[i]
		weight := *section.Weight

		if _, ok := criteriaSum(section.Criteria); !ok {
			each := weight / float64(len(section.Criteria))
			for j := range section.Criteria {
				section.Criteria[j].Weight = Float(each)
			}
			continue
		}

		sum, _ := criteriaSum(section.Criteria)
		if derived[i] {
			section.Weight = Float(sum)
			continue
		}
		if math.Abs(sum-weight) > weightTolerance && sum > 0 {
			logger.Warn().
				Str("section", section.Name).
				Float64("section_weight", weight).
				Float64("criteria_weight", sum).
				Msg("criteria weights do not add up to section weight, scaling criteria")
			scaleCriteria(section, weight/sum)
		}
	}

	total := out.TotalWeight()
	if math.Abs(total-100) > weightTolerance {
		logger.Warn().Float64("total_weight", total).Msg("section weights do not add up to 100, rescaling")
		if total <= 0 {
			equalSplit(&out)
		} else {
			factor := 100 / total
			for i := range out.Sections {
				section := &out.Sections[i]
				section.Weight = Float(*section.Weight * factor)
				scaleCriteria(section, factor)
			}
		}
	}

	return out
}

func criteriaSum(criteria []Criterion) (float64, bool) {
	if len(criteria) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, criterion := range criteria {
		if criterion.Weight == nil {
			return 0, false
		}
		sum += *criterion.Weight
	}
	return sum, true
}

func scaleCriteria(section *Section, factor float64) {
	for j := range section.Criteria {
		if section.Criteria[j].Weight != nil {
			section.Criteria[j].Weight = Float(*section.Criteria[j].Weight * factor)
		}
	}
}

func equalSplit(tree *Tree) {
	share := 100.0 / float64(len(tree.Sections))
	for i := range tree.Sections {
		section := &tree.Sections[i]
		section.Weight = Float(share)
		if len(section.Criteria) == 0 {
			continue
		}
		each := share / float64(len(section.Criteria))
		for j := range section.Criteria {
			section.Criteria[j].Weight = Float(each)
		}
	}
}
