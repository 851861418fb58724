package origin

import (
	"strings"
	"testing"
)

func FuzzParse(f *testing.F) {
	f.Add("HTTPS://Example.COM:443")
	f.Add("http://010.0.0.1")
	f.Add("http://[::FFFF:192.0.2.1]")
	f.Add("null")
	f.Add("")
	f.Add("ftp://example.com")
	f.Add("https://example.com?query")
	f.Add("https://example.com,https://evil.example.com")

	f.Fuzz(func(t *testing.T, header string) {
		o, err := Parse(header)
		if err != nil {
			return
		}
		s := o.String()
		if strings.ContainsAny(s, " \t\r\n") {
			t.Fatalf("normalized origin contains whitespace: %q", s)
		}
		if o.Opaque {
			if s != Null || o.Host() != "" {
				t.Fatalf("opaque origin=%q host=%q", s, o.Host())
			}
			return
		}
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			t.Fatalf("normalized origin missing scheme: %q", s)
		}

		// Normalized output must be a fixed point.
		again, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) of normalized origin: %v", s, err)
		}
		if again != o {
			t.Fatalf("unstable normalization: %+v then %+v", o, again)
		}

		// An origin always passes a same-host check against its own host.
		if _, err := NewPolicy(nil).Check(s, o.Host()); err != nil {
			t.Fatalf("same-host check for %q: %v", s, err)
		}
	})
}
