package offers

import "strings"

// ConditionLevel is a heuristic classification of a free-text condition note.
type ConditionLevel string

const (
	ConditionNew       ConditionLevel = "new"
	ConditionExcellent ConditionLevel = "excellent"
	ConditionVeryGood  ConditionLevel = "very-good"
	ConditionGood      ConditionLevel = "good"
	ConditionFair      ConditionLevel = "fair"
	ConditionUnknown   ConditionLevel = "unknown"
)

// ClassifyCondition maps a seller's condition note to a level. Groups are
// checked in order and the first match wins, so "bon état, neuf" is new and
// "comme neuf" is new as well (the "neuf" arm runs before "excellent").
func ClassifyCondition(note string) ConditionLevel {
	n := strings.ToLower(note)
	switch {
	case n == "":
		return ConditionUnknown
	case containsAny(n, "neuf", "scellé", "new", "jamais utilisé"):
		return ConditionNew
	case containsAny(n, "excellent", "parfait", "comme neuf", "impeccable"):
		return ConditionExcellent
	case containsAny(n, "très bon", "tres bon", "très bonne", "quasi neuf"):
		return ConditionVeryGood
	case containsAny(n, "bon", "bonne", "correct", "fonctionnel"):
		return ConditionGood
	case containsAny(n, "moyen", "rayure", "usure", "trace"):
		return ConditionFair
	default:
		return ConditionUnknown
	}
}

func containsAny(s string, terms ...string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

// ConditionSubScore is the fixed policy table, monotonic by desirability.
func ConditionSubScore(level ConditionLevel) float64 {
	switch level {
	case ConditionNew:
		return 100
	case ConditionExcellent:
		return 85
	case ConditionVeryGood:
		return 70
	case ConditionGood:
		return 55
	case ConditionFair:
		return 40
	default:
		return 30
	}
}

// Label returns the French display label shown on offer badges.
func (l ConditionLevel) Label() string {
	switch l {
	case ConditionNew:
		return "Neuf"
	case ConditionExcellent:
		return "Excellent état"
	case ConditionVeryGood:
		return "Très bon état"
	case ConditionGood:
		return "Bon état"
	case ConditionFair:
		return "État correct"
	default:
		return "Non spécifié"
	}
}

// Color returns the badge colour for the level.
func (l ConditionLevel) Color() string {
	switch l {
	case ConditionNew:
		return "#10b981"
	case ConditionExcellent:
		return "#3b82f6"
	case ConditionVeryGood:
		return "#8b5cf6"
	case ConditionGood:
		return "#f59e0b"
	case ConditionFair:
		return "#ef4444"
	default:
		return "#6b7280"
	}
}
