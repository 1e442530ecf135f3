package models

import "strings"

// Family is the unit of independent rate-limit tracking and thinking-signature isolation.
type Family string

const (
	FamilyClaude      Family = "claude"
	FamilyGeminiFlash Family = "gemini-flash"
	FamilyGeminiPro   Family = "gemini-pro"
)

// Families lists every family in a fixed order.
var Families = []Family{FamilyClaude, FamilyGeminiFlash, FamilyGeminiPro}

// FamilyForModel classifies a requested model name by substring.
func FamilyForModel(model string) Family {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyClaude
	case strings.Contains(lower, "flash"):
		return FamilyGeminiFlash
	default:
		return FamilyGeminiPro
	}
}

// IsClaude reports whether the model is served through the Claude proxy.
func IsClaude(model string) bool {
	return FamilyForModel(model) == FamilyClaude
}

// Valid reports whether f is one of the known families.
func (f Family) Valid() bool {
	switch f {
	case FamilyClaude, FamilyGeminiFlash, FamilyGeminiPro:
		return true
	}
	return false
}
