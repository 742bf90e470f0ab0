package hash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSHA256(t *testing.T) {
	tests := []struct {
		input []byte
		want  string
	}{
		{
			[]byte("hello"),
			"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			[]byte(""),
			"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			got := SHA256(tt.input)
			if got != tt.want {
				t.Errorf("SHA256(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestSHA256Short(t *testing.T) {
	if got := SHA256Short([]byte("hello"), 8); got != "2cf24dba" {
		t.Errorf("SHA256Short = %s, want 2cf24dba", got)
	}
	if got := SHA256Short([]byte("hello"), 1000); len(got) != 64 {
		t.Errorf("SHA256Short overlong len = %d, want 64", len(got))
	}
}

func TestSHA256ReaderMatchesSHA256(t *testing.T) {
	got, err := SHA256Reader(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("SHA256Reader() error = %v", err)
	}
	if got != SHA256String("hello") {
		t.Errorf("SHA256Reader = %s, want %s", got, SHA256String("hello"))
	}
}

func TestSHA256File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File() error = %v", err)
	}
	if got != SHA256String("hello") {
		t.Errorf("SHA256File = %s", got)
	}

	if _, err := SHA256File(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("SHA256File(missing) error = nil")
	}
}
