package buf

import (
	"testing"

	"github.com/google/uuid"
)

func TestGUIDRoundTrip(t *testing.T) {
	want := uuid.New()
	b := make([]byte, 16)
	PutGUID(b, want)
	got := GUID(b)
	if got != want {
		t.Fatalf("GUID round-trip = %s, want %s", got, want)
	}
}

func TestGUIDShortBuffer(t *testing.T) {
	if got := GUID(nil); got != uuid.Nil {
		t.Fatalf("GUID(nil) = %s, want zero value", got)
	}
}
