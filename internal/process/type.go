package process

import "strings"

// ProcessType classifies the engines a process uses on a device.
type ProcessType string

const (
	TypeNone     ProcessType = ""
	TypeCompute  ProcessType = "C"
	TypeGraphics ProcessType = "G"
	// TypeMixed marks compute and graphics together. It never splits back
	// into separate letters.
	TypeMixed ProcessType = "X"
)

// MergeType folds engine flags into the current classification. The
// result does not depend on the order flags arrive in, and folding the
// same flags twice changes nothing.
func MergeType(current ProcessType, flags string) ProcessType {
	combined := string(current) + flags
	if strings.Contains(combined, string(TypeMixed)) {
		return TypeMixed
	}

	compute := strings.Contains(combined, string(TypeCompute))
	graphics := strings.Contains(combined, string(TypeGraphics))
	switch {
	case compute && graphics:
		return TypeMixed
	case compute:
		return TypeCompute
	case graphics:
		return TypeGraphics
	default:
		return TypeNone
	}
}

// Label is the human form used in tables.
func (t ProcessType) Label() string {
	switch t {
	case TypeCompute:
		return "C"
	case TypeGraphics:
		return "G"
	case TypeMixed:
		return "C+G"
	default:
		return ""
	}
}
