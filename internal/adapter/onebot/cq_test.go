package onebot

import (
	"testing"

	"satorigate/internal/satori"
)

func TestDecodeMessage_Mentions(t *testing.T) {
	got := decodeMessage("ping [CQ:at,qq=42] and [CQ:at,qq=all]!")
	want := `ping <at id="42"/> and <at type="all"/>!`
	if got != want {
		t.Errorf("decoded = %q, want %q", got, want)
	}
}

func TestDecodeMessage_Image(t *testing.T) {
	got := decodeMessage("[CQ:image,file=abc.png,url=https://example.com/a.png]")
	if got != `<img src="https://example.com/a.png"/>` {
		t.Errorf("decoded = %q", got)
	}
	got = decodeMessage("[CQ:image,file=local.png]")
	if got != `<img src="local.png"/>` {
		t.Errorf("decoded = %q", got)
	}
}

func TestDecodeMessage_EscapesUnwound(t *testing.T) {
	// CQ-escaped brackets become literal text, then entity-escaped for the
	// unified markup only where reserved.
	got := decodeMessage("a &#91;b&#93; &amp; c")
	if got != "a [b] &amp; c" {
		t.Errorf("decoded = %q", got)
	}
}

func TestDecodeMessage_UnknownCodeDropped(t *testing.T) {
	got := decodeMessage("before [CQ:face,id=14] after")
	if got != "before  after" {
		t.Errorf("decoded = %q", got)
	}
}

func TestEncodeMessage_SingleSegmentWithMention(t *testing.T) {
	got := encodeMessage(satori.Parse(`hello <at id="42"/>`))
	if got != "hello [CQ:at,qq=42]" {
		t.Errorf("encoded = %q", got)
	}
}

func TestEncodeMessage_EscapesText(t *testing.T) {
	got := encodeMessage(satori.Parse("a [b] &amp; c"))
	if got != "a &#91;b&#93; &amp; c" {
		t.Errorf("encoded = %q", got)
	}
}

func TestEncodeMessage_Image(t *testing.T) {
	got := encodeMessage(satori.Parse(`<img src="https://example.com/a,b.png"/>`))
	if got != "[CQ:image,file=https://example.com/a&#44;b.png]" {
		t.Errorf("encoded = %q", got)
	}
}

func TestRoundTrip_TextAndMention(t *testing.T) {
	unified := `hello <at id="42"/>`
	encoded := encodeMessage(satori.Parse(unified))
	if got := decodeMessage(encoded); got != unified {
		t.Errorf("round trip = %q, want %q", got, unified)
	}
}
