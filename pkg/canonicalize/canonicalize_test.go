package canonicalize

import (
	"testing"

	"github.com/keelframework/keel/pkg/contracts"
)

func TestJCSKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"b": 1, "a": "x", "c": []any{1, 2}}
	b := map[string]any{"c": []any{1, 2}, "a": "x", "b": 1}

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("hash differs across key order: %s vs %s", ha, hb)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]any{"q": "a<b>&c"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"q":"a<b>&c"}` {
		t.Fatalf("unexpected canonical form: %s", b)
	}
}

func TestDigestPrefixed(t *testing.T) {
	d, err := Digest(map[string]any{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if len(d) != len(DigestPrefix)+64 {
		t.Fatalf("unexpected digest shape: %s", d)
	}
	if d[:len(DigestPrefix)] != DigestPrefix {
		t.Fatalf("missing prefix: %s", d)
	}
}

func TestContextRefStable(t *testing.T) {
	p1 := contracts.ContextPacket{
		ID:    "ctx-1",
		Facts: map[string]any{"region": "eu-west-1", "tier": "gold"},
	}
	p2 := contracts.ContextPacket{
		ID:    "ctx-1",
		Facts: map[string]any{"tier": "gold", "region": "eu-west-1"},
	}

	r1, err := ContextRef(p1)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := ContextRef(p2)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Fatal("contextRef not stable under fact ordering")
	}

	p2.Facts["tier"] = "silver"
	r3, err := ContextRef(p2)
	if err != nil {
		t.Fatal(err)
	}
	if r3 == r1 {
		t.Fatal("contextRef did not change with content")
	}
}
