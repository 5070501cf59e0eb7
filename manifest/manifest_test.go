package manifest

import "testing"

const sample = `
meta dev false
meta index /index.html
group app
url /index.html h1
url /main.js h2
fallback /deep/ /index.html
group assets
url /logo.png
`

func TestParse_BasicStructure(t *testing.T) {
	m, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if m.Index != "/index.html" {
		t.Errorf("Index = %q, want /index.html", m.Index)
	}
	if m.Dev {
		t.Error("Dev = true, want false")
	}

	groups := m.Groups()
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].Name != "app" || groups[1].Name != "assets" {
		t.Errorf("group order = [%s %s], want [app assets]", groups[0].Name, groups[1].Name)
	}

	app, ok := m.Group("app")
	if !ok {
		t.Fatal("group app not found")
	}
	if len(app.URLs()) != 2 {
		t.Errorf("app has %d urls, want 2", len(app.URLs()))
	}
	fallbacks := app.Fallbacks()
	if len(fallbacks) != 1 || fallbacks[0].Prefix != "/deep/" || fallbacks[0].FallbackTo != "/index.html" {
		t.Errorf("unexpected fallbacks: %+v", fallbacks)
	}
}

func TestParse_UnknownDirective(t *testing.T) {
	_, err := Parse("bogus line here\n")
	if err == nil {
		t.Error("expected error for unrecognized directive")
	}
}

func TestParse_URLOutsideGroup(t *testing.T) {
	_, err := Parse("url /index.html h1\n")
	if err == nil {
		t.Error("expected error for url outside any group")
	}
}

func TestRoundTrip(t *testing.T) {
	m, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	serialized := m.Serialize()
	again, err := Parse(serialized)
	if err != nil {
		t.Fatalf("Parse(serialize()) error = %v", err)
	}

	if again.Index != m.Index || again.Dev != m.Dev {
		t.Errorf("round-trip metadata mismatch")
	}
	if len(again.Groups()) != len(m.Groups()) {
		t.Errorf("round-trip group count mismatch")
	}
	for _, g := range m.Groups() {
		g2, ok := again.Group(g.Name)
		if !ok {
			t.Fatalf("round-trip lost group %s", g.Name)
		}
		if len(g2.URLs()) != len(g.URLs()) {
			t.Errorf("round-trip url count mismatch for group %s", g.Name)
		}
	}
}

func TestGroup_CacheName_StableAcrossEquivalentContent(t *testing.T) {
	a, _ := Parse("group app\nurl /a.js h1\nurl /b.js h2\n")
	b, _ := Parse("group app\nurl /b.js h2\nurl /a.js h1\n")

	ga, _ := a.Group("app")
	gb, _ := b.Group("app")

	if ga.CacheName() != gb.CacheName() {
		t.Errorf("CacheName() differs for equivalent content: %q vs %q", ga.CacheName(), gb.CacheName())
	}
}

func TestGroup_CacheName_ChangesWithContent(t *testing.T) {
	a, _ := Parse("group app\nurl /a.js h1\n")
	b, _ := Parse("group app\nurl /a.js h2\n")

	ga, _ := a.Group("app")
	gb, _ := b.Group("app")

	if ga.CacheName() == gb.CacheName() {
		t.Error("CacheName() should differ when hash content differs")
	}
}
