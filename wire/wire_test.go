package wire

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2020, 3, 1, 12, 0, 0, 250000000, time.UTC)
	got, err := ParseTime(FormatTime(in))
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !got.Equal(in) {
		t.Fatalf("round trip = %v, want %v", got, in)
	}
	if FormatTime(in) != "1583064000.250000" {
		t.Fatalf("FormatTime = %s", FormatTime(in))
	}
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "abc", "NaN", "Inf"} {
		if _, err := ParseTime(raw); err == nil {
			t.Fatalf("ParseTime(%q) expected error", raw)
		}
	}
}

func TestTraceCodec(t *testing.T) {
	in := Trace{
		Start:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Rate:    40,
		Samples: []int32{1, -2, 3, -2147483648, 2147483647},
	}
	out, err := DecodeTrace(EncodeTrace(in))
	if err != nil {
		t.Fatalf("DecodeTrace: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
	if want := in.Start.Add(125 * time.Millisecond); !in.End().Equal(want) {
		t.Fatalf("End() = %v, want %v", in.End(), want)
	}
	if _, err := DecodeTrace(EncodeTrace(in)[:23]); err == nil {
		t.Fatal("expected truncated payload error")
	}
}

func TestHeliCodecAndCompression(t *testing.T) {
	points := []HeliPoint{{Second: 100, Min: -1.5, Max: 2}, {Second: 101, Min: 0, Max: 0}}
	packed, err := Compress(EncodeHeli(points))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	raw, err := Decompress(packed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	got, err := DecodeHeli(raw)
	if err != nil {
		t.Fatalf("DecodeHeli: %v", err)
	}
	if diff := cmp.Diff(points, got); diff != "" {
		t.Fatalf("points mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, "req7", []byte("abc\ndef")); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	buf.WriteString("req7 END\n")
	r := bufio.NewReader(&buf)
	id, payload, err := ReadEnvelope(r)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if id != "req7" || string(payload) != "abc\ndef" {
		t.Fatalf("envelope = %q %q", id, payload)
	}
	rest, _ := r.ReadString('\n')
	if rest != "req7 END\n" {
		t.Fatalf("trailing line = %q", rest)
	}
	if _, _, ok := ParseEnvelopeHeader("req7 STA BHZ NET -- FR 1.0"); ok {
		t.Fatal("classification line parsed as envelope header")
	}
}
