package checksum

import (
	"strings"
	"testing"
)

func TestSum(t *testing.T) {
	// sha256 of the empty input.
	const empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Sum(nil); got != empty {
		t.Errorf("Sum(nil) = %q, want %q", got, empty)
	}
	if Sum([]byte("a")) == Sum([]byte("b")) {
		t.Error("different inputs share a digest")
	}
}

func TestMatches(t *testing.T) {
	data := []byte("---\nurl: https://example.com\n---\n")
	sum := Sum(data)

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"bare", sum, true},
		{"quoted", `"` + sum + `"`, true},
		{"weak etag", `W/"` + sum + `"`, true},
		{"upper case", "  " + strings.ToUpper(sum), true},
		{"other", Sum([]byte("x")), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(data, tt.want); got != tt.ok {
				t.Errorf("Matches(%q) = %v, want %v", tt.want, got, tt.ok)
			}
		})
	}
}
