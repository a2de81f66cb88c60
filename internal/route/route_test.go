package route

import "testing"

func TestPatternMatch(t *testing.T) {
	p := Compile("/users/:id/orders/:oid")
	params, ok := p.Match("/users/42/orders/99")
	if !ok {
		t.Fatalf("expected match")
	}
	if params["id"] != "42" || params["oid"] != "99" {
		t.Fatalf("unexpected captures: %#v", params)
	}
	if len(params) != 2 {
		t.Fatalf("expected exactly the declared params, got %#v", params)
	}
	if _, ok := p.Match("/users/42"); ok {
		t.Fatalf("expected no match for shorter path")
	}
}

func TestMatcherRegistrationOrder(t *testing.T) {
	m := NewMatcher[string]()
	m.Register("/users/:id", []string{"GET"}, "specific")
	m.Register("/users/:anything", []string{"GET"}, "catchall")

	res := m.Match("/users/5", "GET")
	if !res.Found || res.Value != "specific" {
		t.Fatalf("expected first-registered pattern to win, got %#v", res)
	}
}

func TestMatcherMethodMismatch(t *testing.T) {
	m := NewMatcher[string]()
	m.Register("/users/:id", []string{"GET"}, "get-handler")

	res := m.Match("/users/5", "DELETE")
	if !res.Found {
		t.Fatalf("expected path match")
	}
	if res.MethodOK {
		t.Fatalf("expected method mismatch")
	}
}

func TestPathSlugRoundtrip(t *testing.T) {
	cases := []string{"", "/publicis", "/sap/functions"}
	for _, p := range cases {
		slug := PathToSlug(p)
		if slug == "" {
			t.Fatalf("slug must never be empty for path %q", p)
		}
		if got := SlugToPath(slug); got != p {
			t.Fatalf("SlugToPath(%q) = %q, want %q", slug, got, p)
		}
	}
	if PathToSlug("") != "empty" {
		t.Fatalf("empty path must slug to 'empty'")
	}
	if SlugToPath("empty") != "" {
		t.Fatalf("'empty' slug must invert to empty path")
	}
}
