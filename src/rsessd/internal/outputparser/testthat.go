package outputparser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rsess/rsessd/src/rsessd/entity"
)

// TestthatGrammar selects which of testthat's two incompatible output
// formats to parse. The choice is made once at operation start, from the
// detected package version, rather than branching per line.
type TestthatGrammar int

const (
	// TestthatLegacy parses output of testthat versions before 3.0.
	TestthatLegacy TestthatGrammar = iota
	// TestthatEdition3 parses output of testthat 3.0 and later.
	TestthatEdition3
)

// GrammarForTestthatVersion maps a detected testthat version string
// ("3.1.4") to the grammar that parses its output. Unparseable versions
// fall back to the edition-3 grammar.
func GrammarForTestthatVersion(version string) TestthatGrammar {
	major := strings.SplitN(strings.TrimSpace(version), ".", 2)[0]
	if n, err := strconv.Atoi(major); err == nil && n < 3 {
		return TestthatLegacy
	}
	return TestthatEdition3
}

var (
	// e.g. "── Failure (test-ops.R:12:3): multiplication works ──"
	_testthat3Pattern = regexp.MustCompile(`^─+ (Failure|Error|Warning) \(([^:)]+):(\d+)(?::(\d+))?\): (.*?)(?: ─*)?$`)

	// e.g. "test-ops.R:12: failure: multiplication works"
	_testthatLegacyPattern = regexp.MustCompile(`^([^:\s]+):(\d+): (failure|error|warning): (.*)$`)

	// shinytest reports app failures with no source location.
	_shinytestFailurePattern = regexp.MustCompile(`^Diff output for (\S+) differs`)
)

// ParseTestthat extracts test failures from testthat output using the given
// grammar. shinytest diff failures, which carry no usable source location,
// are reported unlinked so the client shows them without navigation.
func ParseTestthat(baseDir string, output string, grammar TestthatGrammar) []entity.Marker {
	var markers []entity.Marker

	for _, line := range strings.Split(output, "\n") {
		if m := _shinytestFailurePattern.FindStringSubmatch(line); m != nil {
			markers = append(markers, entity.Marker{
				Kind:           entity.MarkerError,
				File:           m[1],
				Line:           1,
				Column:         1,
				Message:        strings.TrimSpace(line),
				LinkedToSource: false,
			})
			continue
		}

		var marker entity.Marker
		var ok bool
		switch grammar {
		case TestthatEdition3:
			marker, ok = parseTestthat3Line(baseDir, line)
		default:
			marker, ok = parseTestthatLegacyLine(baseDir, line)
		}
		if ok {
			markers = append(markers, marker)
		}
	}

	return markers
}

func parseTestthat3Line(baseDir, line string) (entity.Marker, bool) {
	m := _testthat3Pattern.FindStringSubmatch(line)
	if m == nil {
		return entity.Marker{}, false
	}

	lineNum, _ := strconv.Atoi(m[3])
	column := 1
	if m[4] != "" {
		column, _ = strconv.Atoi(m[4])
	}

	return entity.Marker{
		Kind:           markerKindForTestthat(m[1]),
		File:           resolveAgainst(baseDir, m[2]),
		Line:           lineNum,
		Column:         column,
		Message:        m[5],
		LinkedToSource: true,
	}, true
}

func parseTestthatLegacyLine(baseDir, line string) (entity.Marker, bool) {
	m := _testthatLegacyPattern.FindStringSubmatch(line)
	if m == nil {
		return entity.Marker{}, false
	}

	lineNum, _ := strconv.Atoi(m[2])

	return entity.Marker{
		Kind:           markerKindForTestthat(m[3]),
		File:           resolveAgainst(baseDir, m[1]),
		Line:           lineNum,
		Column:         1,
		Message:        m[4],
		LinkedToSource: true,
	}, true
}

func markerKindForTestthat(kind string) entity.MarkerKind {
	switch strings.ToLower(kind) {
	case "warning":
		return entity.MarkerWarning
	default:
		return entity.MarkerError
	}
}
