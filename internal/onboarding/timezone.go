package onboarding

import (
	"sort"
	"strings"
	"time"
)

// timezoneMap resolves common city/region names to IANA zones. Lookup is
// deterministic; anything unresolved falls back to the default zone so
// onboarding never stalls on an unknown place name.
var timezoneMap = map[string]string{
	// Europe
	"amsterdam":  "Europe/Amsterdam",
	"rotterdam":  "Europe/Amsterdam",
	"utrecht":    "Europe/Amsterdam",
	"the hague":  "Europe/Amsterdam",
	"netherlands": "Europe/Amsterdam",
	"holland":    "Europe/Amsterdam",
	"london":     "Europe/London",
	"paris":      "Europe/Paris",
	"berlin":     "Europe/Berlin",
	"madrid":     "Europe/Madrid",
	"rome":       "Europe/Rome",
	"barcelona":  "Europe/Madrid",
	"brussels":   "Europe/Brussels",
	"zurich":     "Europe/Zurich",
	"geneva":     "Europe/Zurich",
	"vienna":     "Europe/Vienna",
	"prague":     "Europe/Prague",
	"copenhagen": "Europe/Copenhagen",
	"stockholm":  "Europe/Stockholm",
	"oslo":       "Europe/Oslo",
	"helsinki":   "Europe/Helsinki",
	"dublin":     "Europe/Dublin",
	"lisbon":     "Europe/Lisbon",
	"athens":     "Europe/Athens",
	"warsaw":     "Europe/Warsaw",
	"budapest":   "Europe/Budapest",

	// North America
	"new york":      "America/New_York",
	"nyc":           "America/New_York",
	"boston":        "America/New_York",
	"miami":         "America/New_York",
	"washington":    "America/New_York",
	"philadelphia":  "America/New_York",
	"atlanta":       "America/New_York",
	"los angeles":   "America/Los_Angeles",
	"la":            "America/Los_Angeles",
	"san francisco": "America/Los_Angeles",
	"sf":            "America/Los_Angeles",
	"seattle":       "America/Los_Angeles",
	"san diego":     "America/Los_Angeles",
	"chicago":       "America/Chicago",
	"dallas":        "America/Chicago",
	"houston":       "America/Chicago",
	"denver":        "America/Denver",
	"phoenix":       "America/Phoenix",
	"toronto":       "America/Toronto",
	"montreal":      "America/Montreal",
	"vancouver":     "America/Vancouver",
	"victoria":      "America/Vancouver",
	"calgary":       "America/Edmonton",
	"edmonton":      "America/Edmonton",

	// Pacific timezone keywords
	"pacific":      "America/Los_Angeles",
	"pst":          "America/Los_Angeles",
	"pdt":          "America/Los_Angeles",
	"pacific time": "America/Los_Angeles",

	// Asia
	"singapore":    "Asia/Singapore",
	"hong kong":    "Asia/Hong_Kong",
	"tokyo":        "Asia/Tokyo",
	"seoul":        "Asia/Seoul",
	"beijing":      "Asia/Shanghai",
	"shanghai":     "Asia/Shanghai",
	"dubai":        "Asia/Dubai",
	"bangkok":      "Asia/Bangkok",
	"mumbai":       "Asia/Kolkata",
	"delhi":        "Asia/Kolkata",
	"bangalore":    "Asia/Kolkata",
	"manila":       "Asia/Manila",
	"jakarta":      "Asia/Jakarta",
	"kuala lumpur": "Asia/Kuala_Lumpur",

	// Australia & NZ
	"sydney":    "Australia/Sydney",
	"melbourne": "Australia/Melbourne",
	"brisbane":  "Australia/Brisbane",
	"perth":     "Australia/Perth",
	"auckland":  "Pacific/Auckland",

	// South America
	"sao paulo":    "America/Sao_Paulo",
	"rio":          "America/Sao_Paulo",
	"buenos aires": "America/Argentina/Buenos_Aires",
	"santiago":     "America/Santiago",
	"bogota":       "America/Bogota",
	"lima":         "America/Lima",

	// Middle East & Africa
	"tel aviv":     "Asia/Jerusalem",
	"jerusalem":    "Asia/Jerusalem",
	"istanbul":     "Europe/Istanbul",
	"cairo":        "Africa/Cairo",
	"johannesburg": "Africa/Johannesburg",
	"cape town":    "Africa/Johannesburg",
	"nairobi":      "Africa/Nairobi",
	"lagos":        "Africa/Lagos",
}

// ParseTimezone resolves free-text location input ("Amsterdam",
// "Victoria, Pacific timezone", "Europe/Berlin") to an IANA zone name.
// Match order: literal zone string, exact table match, per-word match,
// then substring match either way. Unresolved input returns fallback.
func ParseTimezone(locationText, fallback string) string {
	text := strings.TrimSpace(locationText)
	lower := strings.ToLower(text)
	if lower == "" {
		return fallback
	}

	// Literal Area/City form; verify it is a real zone before trusting it.
	if parts := strings.Split(text, "/"); len(parts) == 2 && !strings.ContainsAny(text, " ,") {
		if _, err := time.LoadLocation(text); err == nil {
			return text
		}
	}

	if tz, ok := timezoneMap[lower]; ok {
		return tz
	}

	words := strings.Fields(strings.ReplaceAll(lower, ",", " "))
	for _, word := range words {
		if tz, ok := timezoneMap[word]; ok {
			return tz
		}
	}

	// Substring match in sorted key order so resolution is deterministic
	// when several entries overlap.
	cities := make([]string, 0, len(timezoneMap))
	for city := range timezoneMap {
		cities = append(cities, city)
	}
	sort.Strings(cities)
	for _, city := range cities {
		if strings.Contains(city, lower) || strings.Contains(lower, city) {
			return timezoneMap[city]
		}
	}

	return fallback
}
