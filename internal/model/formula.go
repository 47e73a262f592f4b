package model

import "strings"

type Formula string

const (
	FormulaClean     Formula = "clean"
	FormulaSummarize Formula = "summarize"
	FormulaSEO       Formula = "seo"
)

func (f Formula) String() string { return string(f) }

func (f Formula) Valid() bool {
	return f == FormulaClean || f == FormulaSummarize || f == FormulaSEO
}

// ParseFormula normalizes input. Unlike reasons there is no default:
// an empty or unknown function is invalid.
func ParseFormula(s string) (Formula, bool) {
	f := Formula(strings.ToLower(strings.TrimSpace(s)))
	if f.Valid() {
		return f, true
	}
	return "", false
}

// Prompt builds the completion prompt sent to an AI provider.
func (f Formula) Prompt(text string) string {
	switch f {
	case FormulaClean:
		return "Clean up the following spreadsheet cell text. Fix casing, trim noise, keep the meaning:\n\n" + text
	case FormulaSummarize:
		return "Summarize the following spreadsheet cell text in one short sentence:\n\n" + text
	case FormulaSEO:
		return "Rewrite the following product text as an SEO-friendly description:\n\n" + text
	default:
		return text
	}
}
