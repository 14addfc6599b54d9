package rubric

import (
	"fmt"
	"strings"
)

// DefaultSectionName names the implicit section used when a document has no headings.
const DefaultSectionName = "Overall assessment"

const (
	maxDescriptionChars = 500
	maxDescriptionLines = 100
	// A criterion title longer than this is almost certainly a paragraph that was
	// picked up by mistake.
	maxCriterionNameChars = 100
	weightTolerance       = 0.1
)

// Tree is the structured form of a rubric document. Section order follows the document.
type Tree struct {
	Sections []Section `json:"sections"`
}

// Section groups criteria and carries an aggregate weight in percent.
type Section struct {
	Name     string      `json:"name"`
	Weight   *float64    `json:"weight"`
	Criteria []Criterion `json:"criteria"`
}

// Criterion is a single gradable unit of a section.
type Criterion struct {
	Name        string   `json:"name"`
	Weight      *float64 `json:"weight"`
	Description string   `json:"description,omitempty"`
}

// ParseError reports a rubric from which no criteria could be extracted.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rubric parse failed: %s; upload the rubric again as plain text or with clearer headings", e.Reason)
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// TotalWeight sums the section weights, treating missing weights as zero.
func (t Tree) TotalWeight() float64 {
	total := 0.0
	for _, section := range t.Sections {
		if section.Weight != nil {
			total += *section.Weight
		}
	}
	return total
}

// CriteriaCount returns the number of criteria across all sections.
func (t Tree) CriteriaCount() int {
	count := 0
	for _, section := range t.Sections {
		count += len(section.Criteria)
	}
	return count
}

// Clone returns a deep copy so normalisation never aliases a cached tree.
func (t Tree) Clone() Tree {
	out := Tree{Sections: make([]Section, len(t.Sections))}
	for i, section := range t.Sections {
		cloned := Section{Name: section.Name, Criteria: make([]Criterion, len(section.Criteria))}
		if section.Weight != nil {
			cloned.Weight = Float(*section.Weight)
		}
		for j, criterion := range section.Criteria {
			c := Criterion{Name: criterion.Name, Description: criterion.Description}
			if criterion.Weight != nil {
				c.Weight = Float(*criterion.Weight)
			}
			cloned.Criteria[j] = c
		}
		out.Sections[i] = cloned
	}
	return out
}

// NeedsReparse reports whether a cached tree is structurally invalid and must be
// derived again from the rubric text.
func NeedsReparse(t Tree) bool {
	if len(t.Sections) == 0 {
		return true
	}
	for _, section := range t.Sections {
		if section.Weight == nil || len(section.Criteria) == 0 {
			return true
		}
		for _, criterion := range section.Criteria {
			if criterion.Weight == nil {
				return true
			}
			if len([]rune(strings.TrimSpace(criterion.Name))) > maxCriterionNameChars {
				return true
			}
		}
	}
	return false
}
