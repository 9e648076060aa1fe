package review

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

var skipExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
	".ico": true, ".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".bz2": true,
	".xz": true, ".7z": true, ".rar": true, ".mp3": true, ".mp4": true, ".mov": true,
	".avi": true, ".wav": true, ".ogg": true, ".opus": true, ".woff": true, ".woff2": true,
	".ttf": true, ".otf": true, ".class": true, ".so": true, ".dylib": true, ".bin": true,
	".exe": true, ".db": true, ".sqlite": true, ".a": true, ".o": true,
}

var (
	repoSkipDirs  = []string{".git", "node_modules", "vendor", ".cache", "bin"}
	driveSkipDirs = []string{"archive", "locks", "downloads", "screenshots"}
)

// Section is one collected file.
type Section struct {
	Path    string
	Content string
}

// Coverage describes what was collected.
type Coverage struct {
	Files     int
	Chars     int
	Truncated int
	Dropped   int
}

type collector struct {
	maxFile  int
	maxTotal int
	sections []Section
	cov      Coverage
}

// collect walks root in lexical order and adds readable text files under
// prefix. Missing roots are ignored.
func (c *collector) collect(root, prefix string, skipDirs []string) error {
	if root == "" {
		return nil
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	skip := make(map[string]bool, len(skipDirs))
	for _, d := range skipDirs {
		skip[d] = true
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || skipExt[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || isBinary(data) {
			return nil
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		c.add(prefix+"/"+filepath.ToSlash(rel), content)
		return nil
	})
}

func (c *collector) add(path, content string) {
	if len(content) > c.maxFile {
		content = clip(content, c.maxFile)
		c.cov.Truncated++
	}
	if c.cov.Chars >= c.maxTotal {
		c.cov.Dropped++
		return
	}
	if c.cov.Chars+len(content) > c.maxTotal {
		content = clip(content, max(2000, c.maxTotal-c.cov.Chars))
		c.cov.Truncated++
	}
	c.sections = append(c.sections, Section{Path: path, Content: content})
	c.cov.Files++
	c.cov.Chars += len(content)
}

// isBinary treats NUL bytes or invalid UTF-8 in the first 8KiB as binary.
func isBinary(data []byte) bool {
	head := data
	if len(head) > 8192 {
		head = head[:8192]
		// Do not split a rune at the cut.
		for len(head) > 0 && !utf8.RuneStart(data[len(head)]) {
			head = head[:len(head)-1]
		}
	}
	return bytes.IndexByte(head, 0) >= 0 || !utf8.Valid(head)
}

// clip keeps the head and tail of s within n bytes.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const marker = "\n...(clipped)...\n"
	if n <= len(marker) {
		return s[:n]
	}
	half := (n - len(marker)) / 2
	head := s[:half]
	for len(head) > 0 && !utf8.RuneStart(s[len(head)]) {
		head = head[:len(head)-1]
	}
	tail := s[len(s)-half:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return head + marker + tail
}

// chunk groups sections into chunks of at most capTokens estimated tokens.
// A section larger than the cap gets a chunk of its own.
func chunk(sections []Section, capTokens int, estimate func(string) int) []string {
	var (
		chunks  []string
		current []string
		tokens  int
	)
	for _, s := range sections {
		part := "\n## FILE: " + s.Path + "\n" + s.Content + "\n"
		n := estimate(part)
		if len(current) > 0 && tokens+n > capTokens {
			chunks = append(chunks, strings.Join(current, "\n"))
			current, tokens = nil, 0
		}
		current = append(current, part)
		tokens += n
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
