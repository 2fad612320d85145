package normalization

import (
	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/pkg/textnorm"
)

// roster resolves doctor names against the doctor roster.
type roster struct {
	exact map[string][]reference.Doctor
	all   []rosterEntry
}

type rosterEntry struct {
	doctor reference.Doctor
	tokens []string
}

func newRoster(doctors []reference.Doctor) *roster {
	r := &roster{exact: make(map[string][]reference.Doctor, len(doctors))}
	for _, d := range doctors {
		key := reference.Key(d.FullName)
		if key == "" {
			continue
		}
		r.exact[key] = append(r.exact[key], d)
		r.all = append(r.all, rosterEntry{doctor: d, tokens: textnorm.Tokens(d.FullName)})
	}
	return r
}

// Resolve finds the single roster doctor a name refers to. An exact
// full-name match wins; otherwise the name is compared as an abbreviation
// ("JOAO C. SILVA", "MARIA H."). Zero or several candidates resolve to
// nothing.
func (r *roster) Resolve(name string) (reference.Doctor, bool) {
	if ds, ok := r.exact[reference.Key(name)]; ok {
		if len(ds) == 1 {
			return ds[0], true
		}
		return reference.Doctor{}, false
	}

	tokens := textnorm.Tokens(name)
	if len(tokens) < 2 {
		return reference.Doctor{}, false
	}
	var found []reference.Doctor
	for _, e := range r.all {
		if abbreviates(tokens, e.tokens) {
			found = append(found, e.doctor)
		}
	}
	if len(found) != 1 {
		return reference.Doctor{}, false
	}
	return found[0], true
}

// abbreviates reports whether short names the same person as full, token by
// token: short[i] corresponds to full[i]. The first token must be written
// out and equal. A later single-letter token matches the initial of its
// counterpart; a longer one must equal it.
func abbreviates(short, full []string) bool {
	if len(short) < 2 || len(short) > len(full) {
		return false
	}
	if len(short[0]) < 2 || short[0] != full[0] {
		return false
	}
	for i := 1; i < len(short); i++ {
		if !tokenMatch(short[i], full[i]) {
			return false
		}
	}
	return true
}

func tokenMatch(short, full string) bool {
	if len(short) == 1 {
		return full != "" && full[0] == short[0]
	}
	return short == full
}
