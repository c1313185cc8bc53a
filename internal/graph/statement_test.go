package graph

import "testing"

func TestDollarTag_AvoidsCollisionWithBody(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	body := `MATCH (n {note: '$cypher$ embedded'}) RETURN n`

	tag := dollarTag(body)
	if tag == "$cypher$" {
		t.Fatalf("dollarTag returned a tag that collides with the body: %q", tag)
	}
}

func TestDollarTag_DefaultTagWhenNoCollision(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tag := dollarTag(`MATCH (n) RETURN n`)
	if tag != "$cypher$" {
		t.Fatalf("expected default tag, got %q", tag)
	}
}

func TestIsValidGraphName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := map[string]bool{
		"lineage_graph": true,
		"_graph":        true,
		"graph1":        true,
		"":              false,
		"1graph":        false,
		"graph-name":    false,
		"graph name":    false,
		"graph;drop":    false,
	}

	for name, want := range cases {
		if got := isValidGraphName(name); got != want {
			t.Errorf("isValidGraphName(%q) = %v, want %v", name, got, want)
		}
	}
}
