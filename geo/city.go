// Package geo normalizes Mexican city names typed by users or returned by geocoders.
package geo

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// aliases maps accent-free, lowercase spellings to canonical city names
var aliases = map[string]string{
	"cdmx":                   "Ciudad de México",
	"df":                     "Ciudad de México",
	"d f":                    "Ciudad de México",
	"mexico df":              "Ciudad de México",
	"ciudad de mexico":       "Ciudad de México",
	"ciudad de mexico cdmx":  "Ciudad de México",
	"mexico city":            "Ciudad de México",
	"distrito federal":       "Ciudad de México",
	"gdl":                    "Guadalajara",
	"guadalajara":            "Guadalajara",
	"guadalajara jalisco":    "Guadalajara",
	"zapopan":                "Zapopan",
	"mty":                    "Monterrey",
	"monterrey":              "Monterrey",
	"monterrey nuevo leon":   "Monterrey",
	"san pedro garza garcia": "San Pedro Garza García",
	"qro":                    "Querétaro",
	"queretaro":              "Querétaro",
	"santiago de queretaro":  "Querétaro",
	"puebla":                 "Puebla",
	"puebla de zaragoza":     "Puebla",
	"leon":                   "León",
	"merida":                 "Mérida",
	"cancun":                 "Cancún",
	"tijuana":                "Tijuana",
	"toluca":                 "Toluca",
	"slp":                    "San Luis Potosí",
	"san luis potosi":        "San Luis Potosí",
	"ags":                    "Aguascalientes",
	"aguascalientes":         "Aguascalientes",
	"edomex":                 "Estado de México",
	"estado de mexico":       "Estado de México",
	"naucalpan":              "Naucalpan de Juárez",
	"naucalpan de juarez":    "Naucalpan de Juárez",
	"tlalnepantla":           "Tlalnepantla de Baz",
	"tlalnepantla de baz":    "Tlalnepantla de Baz",
	"ciudad juarez":          "Ciudad Juárez",
	"cd juarez":              "Ciudad Juárez",
	"oaxaca":                 "Oaxaca de Juárez",
	"oaxaca de juarez":       "Oaxaca de Juárez",
}

// lowercase connector words inside canonical names
var connectors = map[string]bool{
	"de": true, "del": true, "la": true, "las": true, "los": true, "y": true,
}

var titleCaser = cases.Title(language.Spanish)

// Key folds a city name for comparison: accents removed, lowercase, punctuation collapsed to single spaces
func Key(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}

	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
		} else {
			space = true
		}
	}
	return b.String()
}

// CanonicalCity returns the canonical spelling of a city. Known aliases map to their canonical
// name; anything else is title-cased with its accents preserved. Empty input yields "".
func CanonicalCity(name string) string {
	key := Key(name)
	if key == "" {
		return ""
	}
	if canonical, ok := aliases[key]; ok {
		return canonical
	}

	words := strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '.' || r == ';'
	})
	for i, w := range words {
		lower := strings.ToLower(w)
		if i > 0 && connectors[lower] {
			words[i] = lower
			continue
		}
		words[i] = titleCaser.String(lower)
	}
	return strings.Join(words, " ")
}
