package consensus

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/corpsignal/internal/model"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true, "or": true,
	"to": true, "in": true, "on": true, "at": true, "for": true, "with": true,
	"by": true, "is": true, "are": true, "was": true, "be": true, "as": true,
	"about": true, "approximately": true, "approx": true, "around": true,
	"roughly": true, "nearly": true, "almost": true, "some": true, "its": true,
	"usd": true, "약": true,
}

var numberRe = regexp.MustCompile(`[-+\x{2212}]?\d+(?:,\d{3})*(?:\.\d+)?`)

var unitWords = map[string]float64{
	"k": 1e3, "thousand": 1e3,
	"m": 1e6, "mm": 1e6, "mn": 1e6, "million": 1e6,
	"b": 1e9, "bn": 1e9, "billion": 1e9,
	"t": 1e12, "tn": 1e12, "trillion": 1e12,
}

var unitRunes = map[rune]float64{
	'천': 1e3, '만': 1e4, '억': 1e8, '조': 1e12,
}

// normalizeText applies NFKC, case folding and spells out percent signs.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.ReplaceAll(s, "%", " percent ")
}

// tokens returns the normalized, stopword-free token set of s.
func tokens(s string) map[string]bool {
	fields := strings.FieldsFunc(normalizeText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f == "" || stopwords[f] {
			continue
		}
		set[f] = true
	}
	return set
}

// jaccard is the intersection-over-union of two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// numbers returns the numeric claims in v, scaled by any unit that follows
// them ("12B", "1.2 billion", "30억"), in ascending order.
func numbers(v any) []float64 {
	switch t := v.(type) {
	case float64:
		return []float64{t}
	case float32:
		return []float64{float64(t)}
	case int:
		return []float64{float64(t)}
	case int64:
		return []float64{float64(t)}
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return []float64{f}
		}
		return nil
	}

	s := normalizeText(model.ValueString(v))
	var out []float64
	for _, loc := range numberRe.FindAllStringIndex(s, -1) {
		num, neg := splitSign(s[loc[0]:loc[1]], s[:loc[0]])
		f, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
		if err != nil {
			continue
		}
		if neg {
			f = -f
		}
		out = append(out, f*unitAfter(s[loc[1]:]))
	}
	sort.Float64s(out)
	return out
}

// splitSign strips a leading sign from a matched number. A sign glued to a
// preceding letter or digit is a hyphen ("covid-19", "2020-2021"), not a
// sign.
func splitSign(match, before string) (string, bool) {
	r, size := utf8.DecodeRuneInString(match)
	if r != '-' && r != '+' && r != '\u2212' {
		return match, false
	}
	if prev, _ := utf8.DecodeLastRuneInString(before); unicode.IsLetter(prev) || unicode.IsDigit(prev) {
		return match[size:], false
	}
	return match[size:], r != '+'
}

// unitAfter returns the multiplier of the unit word directly following a
// number, or 1.
func unitAfter(rest string) float64 {
	rest = strings.TrimLeft(rest, " ")
	if r, _ := utf8.DecodeRuneInString(rest); unitRunes[r] != 0 {
		return unitRunes[r]
	}
	end := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(rest)
	}
	if m, ok := unitWords[rest[:end]]; ok {
		return m
	}
	return 1
}

// withinTolerance reports whether a and b differ by at most tol relative
// to the larger magnitude.
func withinTolerance(a, b, tol float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= tol*scale
}

// Similarity decides whether two candidate values make the same claim.
type Similarity struct {
	Threshold        float64
	NumericTolerance float64
}

// Same reports whether a and b are the same claim. When both carry the same
// number of numeric claims the numbers decide; otherwise token overlap does.
func (s Similarity) Same(a, b any) bool {
	na, nb := numbers(a), numbers(b)
	if len(na) > 0 && len(na) == len(nb) {
		for i := range na {
			if !withinTolerance(na[i], nb[i], s.NumericTolerance) {
				return false
			}
		}
		return true
	}
	return jaccard(tokens(model.ValueString(a)), tokens(model.ValueString(b))) >= s.Threshold
}
