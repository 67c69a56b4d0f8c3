package address

import "strings"

// stateNames maps lowercase full state names to USPS abbreviations.
// Covers the 50 states, DC, and Puerto Rico, plus the spellings that
// show up in source data ("washington dc", bare "dc").
var stateNames = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"district of columbia": "DC", "washington dc": "DC", "dc": "DC",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID",
	"illinois": "IL", "indiana": "IN", "iowa": "IA", "kansas": "KS",
	"kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS",
	"missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM",
	"new york": "NY", "north carolina": "NC", "north dakota": "ND",
	"ohio": "OH", "oklahoma": "OK", "oregon": "OR", "pennsylvania": "PA",
	"rhode island": "RI", "south carolina": "SC", "south dakota": "SD",
	"tennessee": "TN", "texas": "TX", "utah": "UT", "vermont": "VT",
	"virginia": "VA", "washington": "WA", "west virginia": "WV",
	"wisconsin": "WI", "wyoming": "WY", "puerto rico": "PR",
}

// validAbbrevs is the reverse set of accepted 2-letter codes.
var validAbbrevs = func() map[string]bool {
	m := make(map[string]bool, len(stateNames))
	for _, abbr := range stateNames {
		m[abbr] = true
	}
	return m
}()

// maxStateNameWords is the longest full-name token span the parser
// tries. Candidate spans are tried longest-first so that multi-word
// names win over their suffixes ("new york" is never misread as a
// street word plus "york"; "washington dc" beats "washington").
const maxStateNameWords = 3 // "district of columbia"

// NormalizeState maps a state token to its 2-letter USPS code.
// Already-valid codes pass through uppercased (idempotent); full names
// are matched case- and punctuation-insensitively. Returns "" when the
// token is not a recognizable state.
func NormalizeState(token string) string {
	cleaned := strings.NewReplacer(".", "", ",", "", ";", "").Replace(token)
	cleaned = strings.ToLower(strings.TrimSpace(cleaned))
	if cleaned == "" {
		return ""
	}
	if len(cleaned) == 2 && isAlpha(cleaned) {
		abbr := strings.ToUpper(cleaned)
		if validAbbrevs[abbr] {
			return abbr
		}
		return ""
	}
	return stateNames[strings.Join(strings.Fields(cleaned), " ")]
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
