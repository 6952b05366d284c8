package command

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Command{
		Ping(),
		Response(),
		NewString("hello"),
		New(KindTest, nil),
		New(KindInherited, bytes.Repeat([]byte{0xAB}, 4096)),
	}

	for _, in := range cases {
		wire, err := in.Encode()
		if err != nil {
			t.Fatalf("Encode(%v): %v", in.Kind, err)
		}
		out, err := Decode(wire)
		if err != nil {
			t.Fatalf("Decode(%v): %v", in.Kind, err)
		}
		if out.Kind != in.Kind {
			t.Fatalf("kind mismatch: got %v want %v", out.Kind, in.Kind)
		}
		if !bytes.Equal(out.Data, in.Data) {
			t.Fatalf("data mismatch for kind %v", in.Kind)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected error decoding empty input")
	}
	if _, err := Decode([]byte{0x01}); err == nil {
		t.Fatal("expected error decoding short header")
	}

	cmd := NewString("hello world")
	wire, _ := cmd.Encode()
	if _, err := Decode(wire[:len(wire)-3]); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

func TestKindString(t *testing.T) {
	if KindPing.String() != "PING" {
		t.Fatalf("unexpected Kind.String(): %s", KindPing.String())
	}
	if Kind(100).String() != "INHERITED(100)" {
		t.Fatalf("unexpected Kind.String() for inherited kind: %s", Kind(100).String())
	}
}
