// Package address splits free-text US addresses into street, city,
// state, and ZIP components. Parsing is best-effort and never fails:
// unparseable fields degrade to a street-only result instead of
// guessing city or state from word position alone.
package address

import (
	"regexp"
	"strings"
)

// Parsed holds the components recovered from a free-text address.
// Any field may be empty.
type Parsed struct {
	Street string
	City   string
	State  string
	Zip    string
}

// zipRe matches a trailing 5-digit ZIP with an optional ZIP+4 extension
// (the extension is discarded).
var zipRe = regexp.MustCompile(`(\d{5})(?:-\d{4})?$`)

var wordRe = regexp.MustCompile(`\S+`)

// compoundCityPrefixes extends the no-comma city fallback from one word
// to two when the penultimate word starts a common compound city name
// ("New Orleans", "Fort Worth", "Lake Charles").
var compoundCityPrefixes = map[string]bool{
	"north": true, "south": true, "east": true, "west": true,
	"new": true, "fort": true, "mount": true, "saint": true,
	"san": true, "santa": true, "el": true, "la": true,
	"lake": true, "port": true,
}

// Parse splits a free-text address of the general shape
// "street, City, ST 12345" into components. If neither a state nor a
// ZIP can be located, the whole trimmed input is returned as Street and
// the remaining fields stay empty.
func Parse(raw string) Parsed {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Parsed{}
	}
	text = strings.TrimSpace(strings.TrimRight(text, ";"))
	if text == "" {
		return Parsed{}
	}

	rest := text

	var zip string
	if m := zipRe.FindStringSubmatchIndex(rest); m != nil {
		zip = rest[m[2]:m[3]]
		rest = trimTrailingSeparators(rest[:m[0]])
	}

	state, rest := extractTrailingState(rest, zip != "")

	if state == "" && zip == "" {
		return Parsed{Street: text}
	}

	street, city := splitStreetCity(rest)
	return Parsed{Street: street, City: city, State: state, Zip: zip}
}

// extractTrailingState looks for a state token at the end of text:
// either a bare 2-letter code or a full state name, longest-name-first.
// A full-name match (and a mixed-case code) counts only when backed by
// evidence of address structure — a ZIP already extracted or a comma
// right before the token — so that "Somewhere in Alaska" stays a plain
// street value. An all-caps 2-letter code is accepted on its own.
func extractTrailingState(text string, hasZip bool) (string, string) {
	spans := wordRe.FindAllStringIndex(text, -1)
	if len(spans) == 0 {
		return "", text
	}

	maxWords := maxStateNameWords
	if len(spans) < maxWords {
		maxWords = len(spans)
	}

	for n := maxWords; n >= 1; n-- {
		start := spans[len(spans)-n][0]
		token := text[start:]
		// A comma inside the span means the words belong to separate
		// address components ("Washington, DC" is city + state, not the
		// two-word name "Washington DC").
		if n > 1 && strings.Contains(token, ",") {
			continue
		}
		abbr := NormalizeState(token)
		if abbr == "" {
			continue
		}
		if !hasZip && !precededByComma(text, start) && !isBareUpperCode(token) {
			continue
		}
		return abbr, trimTrailingSeparators(text[:start])
	}

	return "", text
}

func precededByComma(text string, start int) bool {
	head := strings.TrimRight(text[:start], " \t")
	return strings.HasSuffix(head, ",")
}

func isBareUpperCode(token string) bool {
	cleaned := strings.TrimSpace(strings.ReplaceAll(token, ".", ""))
	return len(cleaned) == 2 && isAlpha(cleaned) && cleaned == strings.ToUpper(cleaned)
}

// splitStreetCity takes the text left after ZIP/state removal. The final
// comma-delimited component is the city; without a comma the last one or
// two words are treated as the city and the rest as the street.
func splitStreetCity(text string) (street, city string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}

	if idx := strings.LastIndex(text, ","); idx >= 0 {
		return trimTrailingSeparators(text[:idx]), strings.TrimSpace(text[idx+1:])
	}

	words := strings.Fields(text)
	if len(words) == 1 {
		return "", words[0]
	}

	cityWords := 1
	if compoundCityPrefixes[strings.ToLower(words[len(words)-2])] {
		cityWords = 2
	}
	return strings.Join(words[:len(words)-cityWords], " "), strings.Join(words[len(words)-cityWords:], " ")
}

func trimTrailingSeparators(s string) string {
	return strings.TrimRight(s, " \t,;")
}

// NormalizeZip coerces a raw ZIP value to a 5-digit string, preserving
// leading zeros. All-digit values shorter than 5 are zero-padded (Excel
// strips leading zeros); longer values are truncated to their first 5
// digits after discarding a ZIP+4 extension. Anything else yields "".
func NormalizeZip(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	if !isDigits(s) {
		return ""
	}
	if len(s) < 5 {
		return strings.Repeat("0", 5-len(s)) + s
	}
	return s[:5]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
