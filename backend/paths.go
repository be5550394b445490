package backend

import (
	"iter"
	"path"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// NormalizePath validates a virtual file path and returns its clean form.
// Paths must be absolute, must not contain ".." segments or NUL bytes.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", pathErr("resolve", p, ErrInvalidPath, "path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return "", pathErr("resolve", p, ErrInvalidPath, "path contains NUL byte")
	}
	if strings.HasPrefix(p, "~") {
		return "", pathErr("resolve", p, ErrInvalidPath, "home-relative paths are not allowed")
	}
	if !strings.HasPrefix(p, "/") {
		return "", pathErr("resolve", p, ErrInvalidPath, "path must be absolute (start with /)")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", pathErr("resolve", p, ErrInvalidPath, "path traversal is not allowed")
		}
	}
	return path.Clean(p), nil
}

// NormalizePrefix is NormalizePath for listing and search roots; "" means "/".
func NormalizePrefix(p string) (string, error) {
	if p == "" {
		return "/", nil
	}
	return NormalizePath(p)
}

// dirPrefix returns p in directory form, with a trailing slash.
func dirPrefix(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// underPrefix reports whether file path p lives at or below prefix.
func underPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, dirPrefix(prefix))
}

// sliceLines returns limit lines of content starting at line offset.
// Line terminators are preserved so slices concatenate back to the original.
func sliceLines(p, content string, offset, limit int) (string, error) {
	if offset < 0 || limit < 0 {
		return "", pathErr("read", p, ErrInvalidPath, "offset and limit must be non-negative")
	}
	if offset == 0 && limit == 0 {
		return content, nil
	}
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if offset >= len(lines) {
		if offset == 0 {
			return "", nil
		}
		return "", pathErr("read", p, ErrInvalidPath, "offset %d exceeds file length (%d lines)", offset, len(lines))
	}
	end := len(lines)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return strings.Join(lines[offset:end], ""), nil
}

// applyEdit performs the string replacement behind every Edit implementation.
func applyEdit(p, content, old, new string, replaceAll bool) (string, int, error) {
	if old == "" {
		return "", 0, pathErr("edit", p, ErrInvalidPath, "match text must not be empty")
	}
	n := strings.Count(content, old)
	switch {
	case n == 0:
		return "", 0, pathErr("edit", p, ErrNotFound, "match text not found in file")
	case n > 1 && !replaceAll:
		return "", 0, pathErr("edit", p, ErrAmbiguousMatch,
			"match text occurs %d times; include more surrounding context or set replace_all", n)
	}
	if replaceAll {
		return strings.ReplaceAll(content, old, new), n, nil
	}
	return strings.Replace(content, old, new, 1), 1, nil
}

// ValidateGlob rejects malformed glob patterns.
func ValidateGlob(pattern string) error {
	if pattern == "" {
		return pathErr("glob", pattern, ErrInvalidPath, "pattern is empty")
	}
	for _, seg := range strings.Split(pattern, "/") {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return pathErr("glob", pattern, ErrInvalidPath, "malformed pattern")
		}
	}
	return nil
}

// MatchGlob reports whether file path p under prefix matches pattern.
// A pattern without a slash matches the base name; "**" matches any number
// of directories; relative patterns are anchored at prefix.
func MatchGlob(pattern, prefix, p string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(p))
		return ok
	}
	target := p
	if !strings.HasPrefix(pattern, "/") {
		dir := dirPrefix(prefix)
		if !strings.HasPrefix(p, dir) {
			return false
		}
		target = p[len(dir):]
	}
	return matchSegments(splitSegments(pattern), splitSegments(target))
}

func splitSegments(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			pat = pat[1:]
			if len(pat) == 0 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, err := path.Match(pat[0], segs[0]); err != nil || !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

// regexCache holds compiled search patterns shared by every backend.
var regexCache, _ = lru.New[string, *regexp.Regexp](256)

// CompilePattern compiles a search regex, reusing previously compiled ones.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, pathErr("search", pattern, ErrInvalidPath, "invalid regex: %v", err)
	}
	regexCache.Add(pattern, re)
	return re, nil
}

// matchLines yields the lines of content that match re.
func matchLines(p, content string, re *regexp.Regexp, yield func(Match, error) bool) bool {
	for i, line := range strings.Split(content, "\n") {
		if re.MatchString(line) {
			if !yield(Match{Path: p, Line: i + 1, Text: line}, nil) {
				return false
			}
		}
	}
	return true
}

// listChildren turns the flat set of files under prefix into the entries
// directly below it, synthesizing directory entries. A directory wins over
// a file of the same name.
func listChildren(prefix string, files []Entry) []Entry {
	dir := dirPrefix(prefix)
	byPath := make(map[string]Entry)
	for _, f := range files {
		if !strings.HasPrefix(f.Path, dir) {
			continue
		}
		rest := strings.TrimPrefix(f.Path, dir)
		if i := strings.Index(rest, "/"); i >= 0 {
			d := dir + rest[:i]
			byPath[d] = Entry{Path: d, IsDir: true}
			continue
		}
		if e, ok := byPath[f.Path]; ok && e.IsDir {
			continue
		}
		byPath[f.Path] = f
	}
	out := make([]Entry, 0, len(byPath))
	for _, e := range byPath {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ancestors returns the directories above a normalized path, outermost
// first. "/a/b/c" yields "/a" and "/a/b".
func ancestors(p string) []string {
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}

func errNotADirectory(op, p, parent string) error {
	return pathErr(op, p, ErrInvalidPath, "not a directory: %s is a file", parent)
}

func errIsADirectory(op, p string) error {
	return pathErr(op, p, ErrInvalidPath, "is a directory")
}

// errSeq returns a sequence that yields err once.
func errSeq[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}
