package uuidv7_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/thinkaurelius/titan-sub001/internal/uuidv7"
)

func TestNewReturnsUUIDv7(t *testing.T) {
	t.Parallel()

	id := uuidv7.New()
	if id.Version() != 7 {
		t.Fatalf("expected version 7 UUID, got %d", id.Version())
	}
	parsed, err := uuid.Parse(uuidv7.NewString())
	if err != nil || parsed.Version() != 7 {
		t.Fatalf("unexpected parse result %v %v", parsed, err)
	}
}

func TestCompactIsHex(t *testing.T) {
	t.Parallel()

	raw := uuidv7.Compact()
	if len(raw) != 32 {
		t.Fatalf("expected 32 chars, got %d", len(raw))
	}
	if _, err := uuid.Parse(raw); err != nil {
		t.Fatalf("compact form should parse: %v", err)
	}
}
