package graph

import "testing"

func TestIsValidLabel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := map[string]bool{
		"Table":        true,
		"DATA_FLOW":    true,
		"_stub":        true,
		"":             false,
		"1Table":       false,
		"Table-View":   false,
		"Table View":   false,
		"Table; DROP":  false,
	}

	for name, want := range cases {
		if got := isValidLabel(name); got != want {
			t.Errorf("isValidLabel(%q) = %v, want %v", name, got, want)
		}
	}
}
