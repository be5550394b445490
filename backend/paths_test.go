package backend

import (
	"errors"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
		bad      bool
	}{
		{in: "/a/b.txt", want: "/a/b.txt"},
		{in: "/a//b/./c", want: "/a/b/c"},
		{in: "/a/", want: "/a"},
		{in: "/", want: "/"},
		{in: "", bad: true},
		{in: "a/b", bad: true},
		{in: "/a/../b", bad: true},
		{in: "~/.ssh", bad: true},
		{in: "/a\x00", bad: true},
	}
	for _, tt := range tests {
		got, err := NormalizePath(tt.in)
		if tt.bad {
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("NormalizePath(%q): expected invalid path, got %q, %v", tt.in, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, prefix, path string
		want                  bool
	}{
		{"*.go", "/", "/a/b/c.go", true},
		{"*.go", "/", "/a/b/c.md", false},
		{"/a/*.go", "/", "/a/x.go", true},
		{"/a/*.go", "/", "/a/b/x.go", false},
		{"/a/**/*.go", "/", "/a/b/c/x.go", true},
		{"/a/**/*.go", "/", "/a/x.go", true},
		{"b/*.txt", "/a", "/a/b/x.txt", true},
		{"b/*.txt", "/a", "/b/x.txt", false},
		{"**", "/", "/anything/at/all", true},
	}
	for _, tt := range tests {
		if got := MatchGlob(tt.pattern, tt.prefix, tt.path); got != tt.want {
			t.Errorf("MatchGlob(%q, %q, %q) = %v, want %v", tt.pattern, tt.prefix, tt.path, got, tt.want)
		}
	}
}

func TestSliceLines(t *testing.T) {
	content := "a\nb\nc"
	tests := []struct {
		offset, limit int
		want          string
	}{
		{0, 0, "a\nb\nc"},
		{0, 1, "a\n"},
		{1, 0, "b\nc"},
		{2, 5, "c"},
	}
	for _, tt := range tests {
		got, err := sliceLines("/f", content, tt.offset, tt.limit)
		if err != nil || got != tt.want {
			t.Errorf("sliceLines(%d, %d) = %q, %v; want %q", tt.offset, tt.limit, got, err, tt.want)
		}
	}
	if _, err := sliceLines("/f", content, 3, 0); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected error past end, got %v", err)
	}
	if _, err := sliceLines("/f", content, -1, 0); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected error for negative offset, got %v", err)
	}
	if got, err := sliceLines("/f", "", 0, 10); err != nil || got != "" {
		t.Errorf("empty file: got %q, %v", got, err)
	}
}

func TestListChildren(t *testing.T) {
	files := []Entry{{Path: "/d/a"}, {Path: "/d/sub/b"}, {Path: "/d/sub/c"}, {Path: "/other"}}
	got := listChildren("/d", files)
	if len(got) != 2 || got[0].Path != "/d/a" || got[1].Path != "/d/sub" || !got[1].IsDir {
		t.Fatalf("unexpected children %+v", got)
	}
}

func TestListChildren_DirShadowsFile(t *testing.T) {
	files := []Entry{{Path: "/a"}, {Path: "/a/b"}, {Path: "/c"}}
	got := listChildren("/", files)
	if len(got) != 2 || got[0].Path != "/a" || !got[0].IsDir || got[1].Path != "/c" {
		t.Fatalf("unexpected children %+v", got)
	}
}

func TestAncestors(t *testing.T) {
	got := ancestors("/a/b/c")
	if len(got) != 2 || got[0] != "/a" || got[1] != "/a/b" {
		t.Fatalf("ancestors = %v", got)
	}
	if got := ancestors("/a"); len(got) != 0 {
		t.Fatalf("ancestors(/a) = %v", got)
	}
}
