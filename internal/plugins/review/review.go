// Package review runs a few line-level checks over Java sources: long
// methods, public methods without Javadoc and nested loops.
package review

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	KindLongMethod     = "long_method"
	KindMissingJavadoc = "missing_javadoc"
	KindNestedLoop     = "nested_loop"
)

const DefaultMaxMethodLines = 30

type Issue struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Kind    string `json:"kind"`
	Message string `json:"issue"`
	Snippet string `json:"snippet,omitempty"`
}

type Report struct {
	Dir    string  `json:"dir"`
	Files  int     `json:"files"`
	Issues []Issue `json:"issues"`
}

type Reviewer struct {
	MaxMethodLines int
	Workers        int
}

func New() *Reviewer {
	return &Reviewer{MaxMethodLines: DefaultMaxMethodLines, Workers: 4}
}

// ReviewDir checks every .java file under dir, skipping build output.
func (r *Reviewer) ReviewDir(ctx context.Context, dir string) (Report, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Report{}, err
	}
	if !info.IsDir() {
		return Report{}, fmt.Errorf("%s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); path != dir && (name == "target" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".java") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	sort.Strings(files)

	results := make([][]Issue, len(files))
	g, gctx := errgroup.WithContext(ctx)
	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			results[i] = r.Review(path, string(src))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{Dir: dir, Files: len(files), Issues: []Issue{}}
	for _, issues := range results {
		report.Issues = append(report.Issues, issues...)
	}
	return report, nil
}

var (
	methodDecl = regexp.MustCompile(`(?m)\b(public|private|protected)\s+(?:(?:static|final|synchronized|abstract)\s+)*[\w<>\[\],.?]+(?:\s*\[\])*\s+(\w+)\s*\(`)
	loopStart  = regexp.MustCompile(`\b(for|while)\s*\(|\bdo\s*\{`)
)

// Review checks one source file.
func (r *Reviewer) Review(path string, src string) []Issue {
	code := stripNoise(src)
	max := r.MaxMethodLines
	if max <= 0 {
		max = DefaultMaxMethodLines
	}

	var issues []Issue
	for _, m := range methodDecl.FindAllStringSubmatchIndex(code, -1) {
		declStart := m[0]
		snippet := strings.TrimSpace(src[m[0]:m[1]])
		line := lineAt(code, declStart)

		if code[m[2]:m[3]] == "public" && !hasJavadoc(src, declStart) {
			issues = append(issues, Issue{File: path, Line: line, Kind: KindMissingJavadoc, Message: "Missing Javadoc", Snippet: snippet})
		}

		closeParen := matching(code, m[1]-1, '(', ')')
		if closeParen < 0 {
			continue
		}
		open := strings.IndexAny(code[closeParen:], "{;")
		if open < 0 || code[closeParen+open] != '{' {
			continue
		}
		open += closeParen
		end := matching(code, open, '{', '}')
		if end < 0 {
			continue
		}
		if bodyLines := strings.Count(code[open:end], "\n") - 1; bodyLines > max {
			issues = append(issues, Issue{
				File:    path,
				Line:    line,
				Kind:    KindLongMethod,
				Message: fmt.Sprintf("Long method (%d lines > %d)", bodyLines, max),
				Snippet: snippet,
			})
		}
	}

	for _, outer := range loopBodies(code) {
		if loopStart.MatchString(code[outer.start+1 : outer.end]) {
			issues = append(issues, Issue{File: path, Line: lineAt(code, outer.keyword), Kind: KindNestedLoop, Message: "Nested loop detected"})
		}
	}

	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Line < issues[j].Line })
	return issues
}

type span struct {
	keyword, start, end int
}

// loopBodies returns the braced bodies of every loop in code.
func loopBodies(code string) []span {
	var spans []span
	for _, m := range loopStart.FindAllStringSubmatchIndex(code, -1) {
		open := m[1] - 1
		if code[open] == '(' {
			closeParen := matching(code, open, '(', ')')
			if closeParen < 0 {
				continue
			}
			rest := strings.TrimLeft(code[closeParen+1:], " \t\r\n")
			if !strings.HasPrefix(rest, "{") {
				continue
			}
			open = len(code) - len(rest)
		}
		end := matching(code, open, '{', '}')
		if end < 0 {
			continue
		}
		spans = append(spans, span{keyword: m[0], start: open, end: end})
	}
	return spans
}

// hasJavadoc reports whether the declaration at offset is preceded by a
// doc comment, allowing annotations in between.
func hasJavadoc(src string, offset int) bool {
	lines := strings.Split(src[:offset], "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "@"):
			continue
		default:
			return strings.HasSuffix(line, "*/")
		}
	}
	return false
}

// matching returns the index of the bracket closing the one at open.
func matching(code string, open int, left, right byte) int {
	depth := 0
	for i := open; i < len(code); i++ {
		switch code[i] {
		case left:
			depth++
		case right:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// stripNoise blanks comments and literals while keeping offsets and newlines.
func stripNoise(src string) string {
	out := []byte(src)
	const (
		code = iota
		lineComment
		blockComment
		str
		char
	)
	state := code
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch state {
		case code:
			switch {
			case c == '/' && i+1 < len(out) && out[i+1] == '/':
				state = lineComment
				out[i] = ' '
			case c == '/' && i+1 < len(out) && out[i+1] == '*':
				state = blockComment
				out[i] = ' '
			case c == '"':
				state = str
			case c == '\'':
				state = char
			}
		case lineComment:
			if c == '\n' {
				state = code
				continue
			}
			out[i] = ' '
		case blockComment:
			if c == '*' && i+1 < len(out) && out[i+1] == '/' {
				out[i], out[i+1] = ' ', ' '
				i++
				state = code
				continue
			}
			if c != '\n' {
				out[i] = ' '
			}
		case str, char:
			quote := byte('"')
			if state == char {
				quote = '\''
			}
			switch {
			case c == '\\' && i+1 < len(out):
				out[i], out[i+1] = ' ', ' '
				i++
			case c == quote:
				state = code
			case c != '\n':
				out[i] = ' '
			}
		}
	}
	return string(out)
}

func lineAt(code string, offset int) int {
	return strings.Count(code[:offset], "\n") + 1
}
