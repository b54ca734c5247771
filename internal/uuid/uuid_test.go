package uuid

import "testing"

// TestNewGeneratesValid tests that generated UUIDs validate.
func TestNewGeneratesValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("generated UUID %q is not valid v4", id)
		}
		if seen[id] {
			t.Fatalf("duplicate UUID generated: %s", id)
		}
		seen[id] = true
	}
}

// TestIsValid tests format validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"valid v4", "550e8400-e29b-41d4-a716-446655440000", true},
		{"empty", "", false},
		{"no dashes", "550e8400e29b41d4a716446655440000", false},
		{"wrong version", "550e8400-e29b-11d4-a716-446655440000", false},
		{"wrong variant", "550e8400-e29b-41d4-c716-446655440000", false},
		{"garbage", "not-a-uuid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.input); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestValidate tests error reporting.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("unexpected error for valid UUID: %v", err)
	}
	if err := Validate("bogus"); err == nil {
		t.Error("expected error for invalid UUID")
	}
}
