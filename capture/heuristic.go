package capture

import (
	"regexp"
	"strings"
	"unicode"
)

// Heuristic classifier tokens, matched as whole words.
var (
	noChangeTokens = map[string]bool{
		"ok": true, "okay": true, "yes": true, "yep": true, "confirm": true,
		"confirmed": true, "correct": true, "right": true, "good": true,
		"fine": true, "save": true,
	}
	changeTokens = map[string]bool{
		"change": true, "fix": true, "wrong": true, "different": true,
		"update": true, "edit": true, "modify": true, "instead": true,
		"not": true, "no": true,
	}
	noChangePhrases = []string{"looks good"}
)

var fieldAliases = map[string]string{
	"amount":      FieldAmount,
	"price":       FieldAmount,
	"total":       FieldAmount,
	"cost":        FieldAmount,
	"merchant":    FieldMerchant,
	"store":       FieldMerchant,
	"shop":        FieldMerchant,
	"vendor":      FieldMerchant,
	"category":    FieldCategory,
	"date":        FieldDate,
	"day":         FieldDate,
	"note":        FieldNote,
	"description": FieldNote,
}

var correctionPattern = regexp.MustCompile(
	`(?i)\b(amount|price|total|cost|merchant|store|shop|vendor|category|date|day|note|description)\s+(?:to|should\s+be)\b\s*`)

// SourceHeuristic marks classifications produced by Heuristic.
const SourceHeuristic = "heuristic"

// Heuristic classifies a confirmation reply from keywords alone.
//
// A change token or an explicit "field to value" correction means the user
// wants a change. A reply with no-change tokens and neither of those confirms,
// even when it names a field ("ok, amount is correct"). Anything else is
// treated as a change request, so an unclear reply never commits.
func Heuristic(reply string) Classification {
	words := strings.Fields(tokenize(reply))

	var hasChange, hasNoChange bool
	for _, w := range words {
		switch {
		case changeTokens[w]:
			hasChange = true
		case noChangeTokens[w]:
			hasNoChange = true
		}
	}
	joined := strings.Join(words, " ")
	for _, phrase := range noChangePhrases {
		if strings.Contains(joined, phrase) {
			hasNoChange = true
		}
	}

	corrections := ParseCorrections(reply)

	c := Classification{Source: SourceHeuristic}
	switch {
	case hasChange || len(corrections) > 0:
		c.WantsChange = true
	case hasNoChange:
		c.WantsChange = false
	default:
		c.WantsChange = true
	}
	if len(corrections) > 0 {
		c.Corrections = corrections
	}
	return c
}

// ParseCorrections extracts "field to value" and "field should be value"
// corrections from a reply, such as "change amount to 30 and merchant to Uber".
// "field is value" is not a correction; it reads as a confirmation. Field aliases (price, store,
// description, ...) map to the canonical Field constants. Later mentions of a
// field win.
func ParseCorrections(reply string) map[string]string {
	matches := correctionPattern.FindAllStringSubmatchIndex(reply, -1)
	if len(matches) == 0 {
		return nil
	}

	out := make(map[string]string)
	for i, m := range matches {
		end := len(reply)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		value := cleanValue(reply[m[1]:end])
		if value == "" {
			continue
		}
		field := fieldAliases[strings.ToLower(reply[m[2]:m[3]])]
		out[field] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CanonicalField maps a field name or alias, such as "price" or
// "merchant_name", to its Field constant.
func CanonicalField(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "merchant_name", "merchant name":
		return FieldMerchant, true
	case "category_name", "category name":
		return FieldCategory, true
	}
	field, ok := fieldAliases[key]
	return field, ok
}

func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	for {
		before := v
		v = strings.TrimRight(v, ".,;!? ")
		lower := strings.ToLower(v)
		for _, suffix := range []string{" and", " also", " then"} {
			if strings.HasSuffix(lower, suffix) {
				v = v[:len(v)-len(suffix)]
				lower = lower[:len(lower)-len(suffix)]
			}
		}
		if v == before {
			break
		}
	}
	return strings.Trim(v, `"'`)
}

// tokenize lowercases s and replaces everything but letters and digits with spaces.
func tokenize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
}
