package channel

import "testing"

func TestParseForms(t *testing.T) {
	cases := []struct {
		raw  string
		want ID
	}{
		{"STA$BHZ$NET", ID{Station: "STA", Channel: "BHZ", Network: "NET"}},
		{"sta$bhz$net$00", ID{Station: "STA", Channel: "BHZ", Network: "NET", Location: "00"}},
		{"STA$BHZ$NET$--", ID{Station: "STA", Channel: "BHZ", Network: "NET"}},
		{"NET.STA..BHZ", ID{Station: "STA", Channel: "BHZ", Network: "NET"}},
		{"NET.STA.10.HHE", ID{Station: "STA", Channel: "HHE", Network: "NET", Location: "10"}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "STA$BHZ", "NET.STA.BHZ", "$BHZ$NET"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q) expected error", raw)
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {
	id := ID{Station: "ANMO", Channel: "BHZ", Network: "IU", Location: "00"}
	got, ok := ParseKey(id.Key())
	if !ok || got != id {
		t.Fatalf("ParseKey(Key()) = %+v, %v", got, ok)
	}
	empty := ID{Station: "ANMO", Channel: "BHZ", Network: "IU"}
	got, ok = ParseKey(empty.Key())
	if !ok || got != empty {
		t.Fatalf("ParseKey(Key()) without location = %+v, %v", got, ok)
	}
}

func TestStringForms(t *testing.T) {
	id := ID{Station: "STA", Channel: "BHZ", Network: "NET"}
	if id.String() != "NET.STA..BHZ" {
		t.Fatalf("String() = %q", id.String())
	}
	if id.SCNL() != "STA$BHZ$NET" {
		t.Fatalf("SCNL() = %q", id.SCNL())
	}
	if id.WireLocation() != "--" {
		t.Fatalf("WireLocation() = %q", id.WireLocation())
	}
}

func TestPatternMatch(t *testing.T) {
	ids := []ID{
		{Station: "ANMO", Channel: "BHZ", Network: "IU", Location: "00"},
		{Station: "ANMO", Channel: "BHE", Network: "IU", Location: "00"},
		{Station: "CCM", Channel: "BHZ", Network: "IU", Location: "10"},
		{Station: "PFO", Channel: "HHZ", Network: "CI"},
	}
	cases := []struct {
		pattern string
		want    int
	}{
		{"*", 4},
		{"ANMO$*$IU", 2},
		{"*$BH?$IU$00", 2},
		{"IU.*.*.BHZ", 2},
		{"CI.PFO.--.HHZ", 1},
		{"*${BHZ,HHZ}$*", 3},
	}
	for _, tc := range cases {
		p, err := CompilePattern(tc.pattern)
		if err != nil {
			t.Fatalf("CompilePattern(%q) error: %v", tc.pattern, err)
		}
		got := 0
		for _, id := range ids {
			if p.Match(id) {
				got++
			}
		}
		if got != tc.want {
			t.Fatalf("pattern %q matched %d, want %d", tc.pattern, got, tc.want)
		}
	}
}

func TestPatternRejectsBadGlob(t *testing.T) {
	if _, err := CompilePattern("[AB$BHZ$IU"); err == nil {
		t.Fatal("expected bad pattern error")
	}
}
