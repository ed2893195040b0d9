// Package ignore decides which paths the filesystem watcher skips, using
// gitignore-style files from the watched root.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultAlwaysIgnore are skipped whatever the ignore files say.
var DefaultAlwaysIgnore = []string{".git/", "node_modules/", ".idea/", ".vscode/", "*.swp", "*~", ".DS_Store"}

// Parser reads gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// AlwaysIgnore patterns are applied before the ignore files, so a file
	// can still re-include them with a negation.
	AlwaysIgnore []string
}

// NewParser creates a new ignore file parser.
func NewParser(ignoreFiles, alwaysIgnore []string) *Parser {
	return &Parser{
		IgnoreFiles:  ignoreFiles,
		AlwaysIgnore: alwaysIgnore,
	}
}

// Matcher reports whether a path under the root is ignored.
type Matcher struct {
	root     string
	patterns []string
	m        gitignore.Matcher
}

// ParseProject reads all ignore files in projectRoot and returns a matcher
// for paths below it. Missing ignore files are skipped.
func (p *Parser) ParseProject(projectRoot string) (*Matcher, error) {
	lines := append([]string(nil), p.AlwaysIgnore...)
	for _, ignoreFile := range p.IgnoreFiles {
		filePatterns, err := p.parseFile(filepath.Join(projectRoot, ignoreFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		lines = append(lines, filePatterns...)
	}
	lines = deduplicate(lines)

	ps := make([]gitignore.Pattern, 0, len(lines))
	for _, l := range lines {
		ps = append(ps, gitignore.ParsePattern(l, nil))
	}
	return &Matcher{root: projectRoot, patterns: lines, m: gitignore.NewMatcher(ps)}, nil
}

// Patterns returns the effective pattern lines in match order.
func (m *Matcher) Patterns() []string { return m.patterns }

// Ignored reports whether path is excluded. path may be absolute or
// relative to the root; paths outside the root are never ignored.
func (m *Matcher) Ignored(path string, isDir bool) bool {
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(m.root, path)
		if err != nil || r == "." || strings.HasPrefix(r, "..") {
			return false
		}
		rel = r
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	// A file inside an ignored directory is ignored too.
	for i := 1; i < len(parts); i++ {
		if m.m.Match(parts[:i], true) {
			return true
		}
	}
	return m.m.Match(parts, isDir)
}

// parseFile reads a single gitignore-style file and returns pattern lines.
func (p *Parser) parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine returns the pattern on a line, or "" for comments and blanks.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

// deduplicate removes duplicate patterns while preserving order.
func deduplicate(patterns []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(patterns))

	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}

	return result
}
