package outputparser

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// GrepConvention holds the ANSI escape tokens a search tool uses to bracket
// match boundaries within an output line.
type GrepConvention struct {
	matchOn  string
	matchOff string
}

// GrepColors is the convention used by GNU grep --color=always.
var GrepColors = GrepConvention{matchOn: "\x1b[01;31m\x1b[K", matchOff: "\x1b[m\x1b[K"}

// GitGrepColors is the convention used by git grep --color=always.
var GitGrepColors = GrepConvention{matchOn: "\x1b[1;31m", matchOff: "\x1b[m"}

// GrepMatch is one matched line as reported by the search tool. Raw keeps
// the embedded color escapes marking match boundaries.
type GrepMatch struct {
	File string
	Line int
	Raw  string
}

var (
	_grepLinePattern = regexp.MustCompile(`^([^:]+):(\d+):(.*)$`)

	// git grep may color the file name and separators as well as the match.
	_gitGrepLinePattern = regexp.MustCompile(`^(?:\x1b\[[0-9;]*m)?([^:\x1b]+)(?:\x1b\[m)?:(?:\x1b\[[0-9;]*m)?(\d+)(?:\x1b\[m)?:(.*)$`)
)

// ParseGrepLine decomposes one line of grep -rHn output into its
// (file, line, content) triple.
func ParseGrepLine(line string) (GrepMatch, bool) {
	m := _grepLinePattern.FindStringSubmatch(line)
	if m == nil {
		return GrepMatch{}, false
	}
	lineNum, err := strconv.Atoi(m[2])
	if err != nil {
		return GrepMatch{}, false
	}
	return GrepMatch{File: m[1], Line: lineNum, Raw: m[3]}, true
}

// ParseGitGrepLine decomposes one line of git grep -Hn output, tolerating
// git's additional coloring of the file name and separators.
func ParseGitGrepLine(line string) (GrepMatch, bool) {
	m := _gitGrepLinePattern.FindStringSubmatch(line)
	if m == nil {
		return GrepMatch{}, false
	}
	lineNum, err := strconv.Atoi(m[2])
	if err != nil {
		return GrepMatch{}, false
	}
	return GrepMatch{File: m[1], Line: lineNum, Raw: m[3]}, true
}

// _ansiEscapePattern matches any CSI sequence (optionally followed by the
// erase-in-line suffix grep appends).
var _ansiEscapePattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z](?:\x1b\[K)?`)

// ExtractMatches strips the color escapes from a raw matched line and
// records where each match begins and ends. Offsets are codepoint indexes
// into the cleaned line, not byte offsets, so multibyte text highlights
// correctly on the client.
func (c GrepConvention) ExtractMatches(raw string) (clean string, on []int, off []int) {
	var b strings.Builder
	codepoints := 0

	for i := 0; i < len(raw); {
		if strings.HasPrefix(raw[i:], c.matchOn) {
			on = append(on, codepoints)
			i += len(c.matchOn)
			continue
		}
		if strings.HasPrefix(raw[i:], c.matchOff) {
			off = append(off, codepoints)
			i += len(c.matchOff)
			continue
		}
		if raw[i] == 0x1b {
			// Some other color sequence (separators, line numbers); drop it.
			if loc := _ansiEscapePattern.FindStringIndex(raw[i:]); loc != nil && loc[0] == 0 {
				i += loc[1]
				continue
			}
		}

		r, size := utf8.DecodeRuneInString(raw[i:])
		b.WriteRune(r)
		codepoints++
		i += size
	}

	// A match left open at end of line closes there.
	for len(off) < len(on) {
		off = append(off, codepoints)
	}

	return b.String(), on, off
}
