// Package normalize builds the comparison keys the merge planner uses to
// decide whether two children describe the same real-world thing.
package normalize

import (
	"strings"
	"unicode"
)

// Policy controls how free-text values are folded before comparison.
// The zero value compares trimmed values verbatim.
type Policy struct {
	CaseFold          bool `yaml:"case_fold" env:"MATCH_CASE_FOLD" env-default:"true"`
	CollapseSpace     bool `yaml:"collapse_whitespace" env:"MATCH_COLLAPSE_WHITESPACE" env-default:"true"`
	StripPunctuation  bool `yaml:"strip_punctuation" env:"MATCH_STRIP_PUNCTUATION" env-default:"true"`
	CanonicalSuffixes bool `yaml:"canonical_street_suffixes" env:"MATCH_CANONICAL_STREET_SUFFIXES" env-default:"true"`
}

// DefaultPolicy enables every folding rule.
func DefaultPolicy() Policy {
	return Policy{
		CaseFold:          true,
		CollapseSpace:     true,
		StripPunctuation:  true,
		CanonicalSuffixes: true,
	}
}

// Street designators and their postal abbreviations.
var streetSuffixes = map[string]string{
	"street":    "st",
	"avenue":    "ave",
	"boulevard": "blvd",
	"drive":     "dr",
	"road":      "rd",
	"lane":      "ln",
	"court":     "ct",
	"circle":    "cir",
	"place":     "pl",
	"parkway":   "pkwy",
	"highway":   "hwy",
	"suite":     "ste",
	"apartment": "apt",
	"building":  "bldg",
	"floor":     "fl",
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
}

// Text folds a name or title.
func (p Policy) Text(s string) string {
	s = strings.TrimSpace(s)
	if p.CaseFold {
		s = strings.ToLower(s)
	}
	if p.StripPunctuation {
		s = stripPunctuation(s)
	}
	if p.CollapseSpace {
		s = strings.Join(strings.Fields(s), " ")
	}
	return strings.TrimSpace(s)
}

// Address folds one address component and, when enabled, rewrites street
// designators to their abbreviations word by word.
func (p Policy) Address(s string) string {
	s = p.Text(s)
	if !p.CanonicalSuffixes || s == "" {
		return s
	}

	words := strings.Fields(s)
	for i, w := range words {
		if abbr, ok := streetSuffixes[strings.ToLower(w)]; ok {
			words[i] = abbr
		}
	}
	return strings.Join(words, " ")
}

// PostalCode keeps only letters and digits, so "80202-1234" and "802021234"
// compare equal.
func (p Policy) PostalCode(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if p.CaseFold {
		return strings.ToLower(b.String())
	}
	return b.String()
}

// keyEscaper keeps a separator inside a part from shifting the boundary
// between parts.
var keyEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

// Key joins already-normalized parts into a single comparison key. Distinct
// part lists always give distinct keys.
func Key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = keyEscaper.Replace(part)
	}
	return strings.Join(escaped, "|")
}

// LocationKey is the full identity key of a location: its name plus every
// address component.
func (p Policy) LocationKey(name, line1, line2, city, state, postal string) string {
	return Key(
		p.Text(name),
		p.Address(line1),
		p.Address(line2),
		p.Text(city),
		p.Text(state),
		p.PostalCode(postal),
	)
}

// AgreementKey is the identity key of an agreement: title plus type.
func (p Policy) AgreementKey(title, agreementType string) string {
	return Key(p.Text(title), p.Text(agreementType))
}

// stripPunctuation drops punctuation and symbols. Hyphens and slashes become
// spaces so "North-West" and "North West" fold to the same words.
func stripPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '-' || r == '/':
			b.WriteRune(' ')
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
