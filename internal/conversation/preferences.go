package conversation

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/scrypster/leadbroker/internal/textutil"
	"github.com/scrypster/leadbroker/pkg/types"
)

// DefaultNeighborhoods are the neighborhoods recognised in lead messages,
// in folded form.
var DefaultNeighborhoods = []string{
	"agua verde", "bigorrilho", "batel", "centro", "cabral", "jardins",
	"ecoville", "champagnat", "juveve", "alto da xv", "mercês", "portao",
}

var (
	thousandsPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(?:mil\b|k\b)`)
	millionsPattern  = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(?:milhao|milhoes|mi\b)`)
	bedroomPattern   = regexp.MustCompile(`(\d+)\s*(?:quartos?|dormitorios?|qtos?|dorms?)\b`)
)

// propertyTypes maps folded keywords to a canonical property type. Order
// matters: the first keyword found wins.
var propertyTypes = []struct {
	keywords  []string
	canonical string
}{
	{[]string{"apartamento", "apartamentos", "apto", "aptos"}, "apartamento"},
	{[]string{"cobertura", "coberturas"}, "cobertura"},
	{[]string{"sobrado", "sobrados"}, "sobrado"},
	{[]string{"kitnet", "kitinete", "studio", "estudio"}, "studio"},
	{[]string{"terreno", "terrenos", "lote"}, "terreno"},
	{[]string{"casa", "casas"}, "casa"},
}

// PreferenceExtractor pulls search preferences out of free text.
type PreferenceExtractor struct {
	neighborhoods []string
}

// NewPreferenceExtractor creates an extractor. A nil list uses DefaultNeighborhoods.
func NewPreferenceExtractor(neighborhoods []string) *PreferenceExtractor {
	if neighborhoods == nil {
		neighborhoods = DefaultNeighborhoods
	}
	folded := make([]string, len(neighborhoods))
	for i, n := range neighborhoods {
		folded[i] = textutil.Fold(n)
	}
	return &PreferenceExtractor{neighborhoods: folded}
}

// Extract returns the preferences mentioned in text. Zero fields were not mentioned.
func (e *PreferenceExtractor) Extract(text string) types.LeadPreferences {
	folded := textutil.Fold(text)
	var prefs types.LeadPreferences

	for _, n := range e.neighborhoods {
		if textutil.ContainsWord(folded, n) {
			prefs.Neighborhoods = append(prefs.Neighborhoods, n)
		}
	}

	for _, m := range thousandsPattern.FindAllStringSubmatch(folded, -1) {
		prefs.MaxBudget = max(prefs.MaxBudget, parseAmount(m[1])*1_000)
	}
	for _, m := range millionsPattern.FindAllStringSubmatch(folded, -1) {
		prefs.MaxBudget = max(prefs.MaxBudget, parseAmount(m[1])*1_000_000)
	}

	if all := bedroomPattern.FindAllStringSubmatch(folded, -1); len(all) > 0 {
		if n, err := strconv.Atoi(all[len(all)-1][1]); err == nil {
			prefs.MinBedrooms = n
		}
	}

	for _, pt := range propertyTypes {
		if textutil.ContainsWord(folded, pt.keywords...) {
			prefs.PropertyType = pt.canonical
			break
		}
	}
	return prefs
}

// MergePreferences overlays the non-zero fields of update onto base.
// Neighborhoods accumulate across messages.
func MergePreferences(base, update types.LeadPreferences) types.LeadPreferences {
	for _, n := range update.Neighborhoods {
		if !slices.Contains(base.Neighborhoods, n) {
			base.Neighborhoods = append(base.Neighborhoods, n)
		}
	}
	if update.MaxBudget > 0 {
		base.MaxBudget = update.MaxBudget
	}
	if update.MinBedrooms > 0 {
		base.MinBedrooms = update.MinBedrooms
	}
	if update.PropertyType != "" {
		base.PropertyType = update.PropertyType
	}
	return base
}

// parseAmount reads "450", "1,5" or "1.5" as a float.
func parseAmount(s string) float64 {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0
	}
	return f
}
