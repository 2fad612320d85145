package normalization

import (
	"testing"

	"github.com/medimg/volumetry/internal/domain/reference"
)

func TestRoster_Resolve(t *testing.T) {
	ros := newRoster([]reference.Doctor{
		{ID: "D1", FullName: "JOAO CARLOS SILVA", Specialty: "NEURO"},
		{ID: "D2", FullName: "JOSE CARLOS SILVA", Specialty: "MAMA"},
		{ID: "D3", FullName: "MARIA HELENA COSTA", Specialty: "ABDOME"},
		{ID: "D4", FullName: "ANA PAULA LIMA", Specialty: "TORAX"},
		{ID: "D5", FullName: "ANA PAULA LIMA", Specialty: "TORAX"},
	})

	tests := []struct {
		name   string
		input  string
		wantID string
	}{
		{"exact", "joao carlos silva", "D1"},
		{"abbreviated middle", "MARIA H. COSTA", "D3"},
		{"every later token abbreviated", "JOAO C. S.", "D1"},
		{"prefix of the full name", "MARIA H.", "D3"},
		{"first token must be written out", "M. H. COSTA", ""},
		{"tokens compare by position", "MARIA COSTA", ""},
		{"ambiguous exact name", "ANA PAULA LIMA", ""},
		{"ambiguous abbreviation", "ANA P. LIMA", ""},
		{"full first name disambiguates", "JOAO C SILVA", "D1"},
		{"written token must be equal", "MARIA H. COSTAS", ""},
		{"initial must match", "MARIA X. COSTA", ""},
		{"longer than the roster name", "MARIA H. C. LIMA", ""},
		{"single token", "COSTA", ""},
		{"unknown", "PEDRO ALVES", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := ros.Resolve(tt.input)
			if tt.wantID == "" {
				if ok {
					t.Errorf("expected no match, got %s", d.ID)
				}
				return
			}
			if !ok || d.ID != tt.wantID {
				t.Errorf("expected %s, got %q (ok=%v)", tt.wantID, d.ID, ok)
			}
		})
	}
}

func TestRoster_AmbiguousInitials(t *testing.T) {
	ros := newRoster([]reference.Doctor{
		{ID: "D1", FullName: "JOAO CARLOS SILVA"},
		{ID: "D2", FullName: "JOAO CESAR SOUZA"},
	})
	if d, ok := ros.Resolve("JOAO C. S."); ok {
		t.Errorf("two roster names share the initials, got %s", d.ID)
	}
	if d, ok := ros.Resolve("JOAO C. SILVA"); !ok || d.ID != "D1" {
		t.Errorf("expected D1, got %q (ok=%v)", d.ID, ok)
	}
}

func TestAbbreviates(t *testing.T) {
	full := []string{"JOAO", "CARLOS", "SILVA"}
	if !abbreviates([]string{"JOAO", "C", "S"}, full) {
		t.Error("JOAO C S should abbreviate JOAO CARLOS SILVA")
	}
	if abbreviates([]string{"J", "C", "SILVA"}, full) {
		t.Error("an initial cannot stand for the first name")
	}
	if abbreviates([]string{"JOAO", "SILVA"}, full) {
		t.Error("SILVA is compared with CARLOS")
	}
	if abbreviates([]string{"JOAO", "C", "S", "R"}, full) {
		t.Error("short name longer than full name")
	}
}
