// Package textnorm holds the free-text cleanup used across the pipeline:
// diacritic stripping, control character removal, whitespace collapsing,
// honorific and parenthetical-code removal for person names.
//
// Every function here is a fixpoint: applying it to its own output returns
// the same string.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultHonorifics are the name prefixes removed when a rule does not
// configure its own list.
var DefaultHonorifics = []string{"DR", "DRA", "PROF", "PROFA", "DOUTOR", "DOUTORA", "SR", "SRA"}

var parenthetical = regexp.MustCompile(`\([^()]*\)|\[[^\[\]]*\]`)

// Rewritten holds every rune that Fold replaces or removes wherever it
// appears, case changes aside: control characters, non-ASCII spaces, and
// the combining marks and accented letters of the Latin blocks. A value
// without these runes, without surplus blanks and already upper-case is
// unchanged by Fold.
var Rewritten = rewritten()

func rewritten() string {
	blocks := [][2]rune{
		{0x01, 0x1F}, {0x7F, 0x24F}, {0x300, 0x36F}, {0x1680, 0x1680},
		{0x1E00, 0x1EFF}, {0x2000, 0x200A}, {0x2028, 0x2029}, {0x202F, 0x202F},
		{0x205F, 0x205F}, {0x3000, 0x3000},
	}
	var b strings.Builder
	for _, blk := range blocks {
		for r := blk[0]; r <= blk[1]; r++ {
			s := string(r)
			if Fold("A"+s+"A") != "A"+strings.ToUpper(s)+"A" {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// Fold strips diacritics and control characters, collapses runs of
// whitespace to a single space, trims, and upper-cases.
func Fold(s string) string {
	if s == "" {
		return ""
	}
	// transform.Chain keeps state, so it is built per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, out)
	return strings.ToUpper(strings.Join(strings.Fields(out), " "))
}

// Name folds s and removes parenthetical codes such as "(CRM 1234)" and any
// leading honorific prefixes ("DR.", "DRA", "PROF").
func Name(s string, honorifics []string) string {
	if len(honorifics) == 0 {
		honorifics = DefaultHonorifics
	}
	prefixes := make(map[string]bool, len(honorifics))
	for _, h := range honorifics {
		prefixes[strings.TrimSuffix(Fold(h), ".")] = true
	}

	cur := Fold(s)
	for i := 0; i < 8; i++ {
		next := parenthetical.ReplaceAllString(cur, " ")
		next = stripHonorifics(Fold(next), prefixes)
		if next == cur {
			break
		}
		cur = next
	}
	return cur
}

func stripHonorifics(s string, prefixes map[string]bool) string {
	tokens := strings.Fields(s)
	for len(tokens) > 0 {
		head := tokens[0]
		if prefixes[strings.TrimSuffix(head, ".")] {
			tokens = tokens[1:]
			continue
		}
		// "DR.SILVA" glued to the name.
		if dot := strings.IndexByte(head, '.'); dot > 0 && dot < len(head)-1 && prefixes[head[:dot]] {
			tokens[0] = head[dot+1:]
			continue
		}
		break
	}
	return strings.Join(tokens, " ")
}

// Tokens splits a folded name into words, treating dots as separators so
// that "J. C. SILVA" and "J.C. SILVA" tokenize alike.
func Tokens(s string) []string {
	return strings.Fields(strings.ReplaceAll(Fold(s), ".", " "))
}

// Key is the comparison key for reference lookups (exam names, descriptions,
// specialties, raw priorities).
func Key(s string) string {
	return Fold(s)
}
