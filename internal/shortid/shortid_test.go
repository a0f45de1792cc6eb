package shortid

import (
	"testing"

	"github.com/google/uuid"
)

func TestRoundTrip(t *testing.T) {
	id := uuid.New()
	alias := Encode(id)
	if len(alias) != 22 {
		t.Fatalf("expected 22-char alias, got %d", len(alias))
	}
	got, err := Decode(alias)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}
}

func TestDecode_AcceptsCanonicalUUID(t *testing.T) {
	id := uuid.New()
	got, err := Decode(id.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}
}

func TestDecode_Invalid(t *testing.T) {
	for _, alias := range []string{"", "zz", "!!!!", "too-short-b64"} {
		if _, err := Decode(alias); err == nil {
			t.Fatalf("expected error for %q", alias)
		}
	}
}
