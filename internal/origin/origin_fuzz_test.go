package origin

import (
	"strings"
	"testing"
)

func FuzzParse(f *testing.F) {
	for _, seed := range []string{
		"HTTPS://Example.COM:443",
		"http://[::1]:8080/",
		"null",
		"",
		"https://example.com/path",
		"https://[::1",
		"https://example.com,https://evil.example.com",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, raw string) {
		o, err := Parse(raw)
		if err != nil {
			return
		}
		s := o.String()
		if strings.ContainsAny(s, " \t\r\n?#@") {
			t.Fatalf("Parse(%q)=%q contains a forbidden character", raw, s)
		}
		again, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) round trip of %q: %v", raw, s, err)
		}
		if again != o {
			t.Fatalf("Parse(%q) round trip=%+v, want %+v", raw, again, o)
		}

		// An origin is always allowed by a policy listing exactly itself.
		p, err := NewPolicy([]string{s})
		if err != nil {
			t.Fatalf("NewPolicy(%q): %v", s, err)
		}
		if _, err := p.Allow(raw, "unrelated.invalid"); err != nil {
			t.Fatalf("Allow(%q) with itself listed: %v", raw, err)
		}
	})
}
