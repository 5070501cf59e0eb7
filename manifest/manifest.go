// Package manifest parses the deployment manifest text into a typed tree of
// groups and entries, computes structural deltas between two manifests, and
// derives the versioned cache name for a group.
//
// Grammar (line-oriented, blank lines and `#`-prefixed lines ignored):
//
//	meta dev true
//	meta index /index.html
//	group app
//	url /index.html h1
//	url /main.js h2
//	fallback /deep/ /index.html
//	group assets
//	url /logo.png
//
// `meta <key> <value>` populates Manifest.Metadata, with `dev` and `index`
// promoted to explicit typed fields per spec.md's design note that free-form
// metadata keys used this heavily should be explicit. `group <name>` opens a
// group; `url <path> [hash]` adds an Entry to the current group; `fallback
// <prefix> <target>` adds a FallbackEntry to the current group. Order of
// `group` and `url` lines is preserved.
package manifest

import (
	"bufio"
	"fmt"
	"strings"

	"encore.app/pkg/utils"
)

// Entry is one cacheable URL within a Group. Group is a back-reference by
// name, not by pointer — groups own entries, not the reverse.
type Entry struct {
	URL   string
	Hash  string
	Group string
}

// FallbackEntry rewrites requests whose URL begins with Prefix to FallbackTo.
type FallbackEntry struct {
	Prefix     string
	FallbackTo string
}

// Group is a named bundle of cacheable content, versioned as a unit.
// urlOrder and fallbackOrder preserve manifest-text declaration order so
// dispatch probes fallbacks and entries in the order the build emitted them.
type Group struct {
	Name          string
	urlOrder      []string
	urls          map[string]*Entry
	fallbackOrder []string
	fallbacks     map[string]*FallbackEntry
}

func newGroup(name string) *Group {
	return &Group{
		Name:      name,
		urls:      make(map[string]*Entry),
		fallbacks: make(map[string]*FallbackEntry),
	}
}

// URLs returns the group's entries in manifest declaration order.
func (g *Group) URLs() []*Entry {
	out := make([]*Entry, 0, len(g.urlOrder))
	for _, u := range g.urlOrder {
		out = append(out, g.urls[u])
	}
	return out
}

// Entry looks up one URL's entry, reporting whether it exists in this group.
func (g *Group) Entry(url string) (*Entry, bool) {
	e, ok := g.urls[url]
	return e, ok
}

// Fallbacks returns the group's fallback rules in manifest declaration order.
func (g *Group) Fallbacks() []*FallbackEntry {
	out := make([]*FallbackEntry, 0, len(g.fallbackOrder))
	for _, p := range g.fallbackOrder {
		out = append(out, g.fallbacks[p])
	}
	return out
}

// CacheName returns this group's derived cache name: ngsw.cache.<name>.v<digest>,
// where <digest> is an FNV-1a content hash over the group's (url, hash)
// pairs. Two groups with byte-identical contents share a cache name across
// deployments.
func (g *Group) CacheName() string {
	pairs := make(map[string]string, len(g.urls))
	for url, e := range g.urls {
		pairs[url] = e.Hash
	}
	return fmt.Sprintf("ngsw.cache.%s.v%s", g.Name, utils.ContentDigest(pairs))
}

// Manifest is an immutable snapshot of one deployment. It is never mutated
// after Parse returns it.
type Manifest struct {
	Dev      bool
	Index    string
	Metadata map[string]string

	groupOrder []string
	groups     map[string]*Group

	text string // original manifest text, retained for byte-level comparison
}

// Text returns the raw manifest text this Manifest was parsed from.
func (m *Manifest) Text() string {
	return m.text
}

// Groups returns the manifest's groups in declaration order.
func (m *Manifest) Groups() []*Group {
	out := make([]*Group, 0, len(m.groupOrder))
	for _, name := range m.groupOrder {
		out = append(out, m.groups[name])
	}
	return out
}

// Group looks up one named group, reporting whether it exists.
func (m *Manifest) Group(name string) (*Group, bool) {
	g, ok := m.groups[name]
	return g, ok
}

// Parse consumes raw manifest text and yields a Manifest, retaining the
// original text for byte-level comparison by Diff.
func Parse(text string) (*Manifest, error) {
	m := &Manifest{
		Metadata:   make(map[string]string),
		groups:     make(map[string]*Group),
		groupOrder: make([]string, 0),
		text:       text,
	}

	var current *Group

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		directive := fields[0]

		switch directive {
		case "meta":
			if len(fields) < 3 {
				return nil, fmt.Errorf("manifest line %d: meta requires key and value", lineNo)
			}
			key, value := fields[1], strings.Join(fields[2:], " ")
			switch key {
			case "dev":
				m.Dev = value == "true"
			case "index":
				m.Index = value
			default:
				m.Metadata[key] = value
			}

		case "group":
			if len(fields) < 2 {
				return nil, fmt.Errorf("manifest line %d: group requires a name", lineNo)
			}
			name := fields[1]
			if _, exists := m.groups[name]; exists {
				return nil, fmt.Errorf("manifest line %d: duplicate group %q", lineNo, name)
			}
			current = newGroup(name)
			m.groups[name] = current
			m.groupOrder = append(m.groupOrder, name)

		case "url":
			if current == nil {
				return nil, fmt.Errorf("manifest line %d: url outside any group", lineNo)
			}
			if len(fields) < 2 {
				return nil, fmt.Errorf("manifest line %d: url requires a path", lineNo)
			}
			url := fields[1]
			hash := ""
			if len(fields) >= 3 {
				hash = fields[2]
			}
			if _, exists := current.urls[url]; !exists {
				current.urlOrder = append(current.urlOrder, url)
			}
			current.urls[url] = &Entry{URL: url, Hash: hash, Group: current.Name}

		case "fallback":
			if current == nil {
				return nil, fmt.Errorf("manifest line %d: fallback outside any group", lineNo)
			}
			if len(fields) < 3 {
				return nil, fmt.Errorf("manifest line %d: fallback requires a prefix and target", lineNo)
			}
			prefix, target := fields[1], fields[2]
			if _, exists := current.fallbacks[prefix]; !exists {
				current.fallbackOrder = append(current.fallbackOrder, prefix)
			}
			current.fallbacks[prefix] = &FallbackEntry{Prefix: prefix, FallbackTo: target}

		default:
			return nil, fmt.Errorf("manifest line %d: unrecognized directive %q", lineNo, directive)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("manifest scan failed: %w", err)
	}

	return m, nil
}

// Serialize reconstructs canonical manifest text for this Manifest, such
// that Parse(m.Serialize()) produces an equivalent Manifest. Used by tests
// asserting the round-trip law; lifecycle stages the original text (Text)
// into ngsw.installing/ngsw.active, not this form.
func (m *Manifest) Serialize() string {
	var b strings.Builder

	if m.Dev {
		b.WriteString("meta dev true\n")
	}
	if m.Index != "" {
		fmt.Fprintf(&b, "meta index %s\n", m.Index)
	}
	for k, v := range m.Metadata {
		fmt.Fprintf(&b, "meta %s %s\n", k, v)
	}

	for _, name := range m.groupOrder {
		g := m.groups[name]
		fmt.Fprintf(&b, "group %s\n", name)
		for _, url := range g.urlOrder {
			e := g.urls[url]
			if e.Hash != "" {
				fmt.Fprintf(&b, "url %s %s\n", e.URL, e.Hash)
			} else {
				fmt.Fprintf(&b, "url %s\n", e.URL)
			}
		}
		for _, prefix := range g.fallbackOrder {
			f := g.fallbacks[prefix]
			fmt.Fprintf(&b, "fallback %s %s\n", f.Prefix, f.FallbackTo)
		}
	}

	return b.String()
}
