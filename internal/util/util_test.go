package util

import (
	"testing"
	"unicode/utf8"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{name: "short", in: "hello", maxLen: 10, want: "hello"},
		{name: "exact", in: "hello", maxLen: 5, want: "hello"},
		{name: "truncated", in: "hello world", maxLen: 8, want: "hello..."},
		{name: "tiny limit", in: "hello", maxLen: 2, want: "he"},
		{name: "multi-byte boundary", in: "héllo wörld", maxLen: 5, want: "h..."},
		{name: "multi-byte tiny", in: "日本", maxLen: 2, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.in, tt.maxLen); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncateUTF8(t *testing.T) {
	s := "aé日本"
	for n := 0; n <= len(s)+1; n++ {
		got := TruncateUTF8(s, n)
		if !utf8.ValidString(got) {
			t.Errorf("maxBytes %d: %q is not valid UTF-8", n, got)
		}
		if len(got) > n {
			t.Errorf("maxBytes %d: %q is %d bytes", n, got, len(got))
		}
	}
	if got := TruncateUTF8(s, 4); got != "aé" {
		t.Errorf("got %q, want %q", got, "aé")
	}
}

func TestDedupeStrings(t *testing.T) {
	got := DedupeStrings([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestHashString(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashString("abc"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
