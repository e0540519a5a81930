// Package outputparser extracts structured markers from the free-text
// output of external tools. Each grammar is a pure function over captured
// text; none of them touch the filesystem or the process layer.
package outputparser

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rsess/rsessd/src/rsessd/entity"
)

var (
	// file:line:[col:] (error|warning|note): message
	_gccErrorPattern = regexp.MustCompile(`^(.+?):(\d+):(?:(\d+):)?\s*(error|warning|note|fatal error):\s*(.*)$`)

	// "In file included from <file>:<line>[,:]" chains emitted before the
	// error line for template/header errors.
	_gccIncludedFromPattern = regexp.MustCompile(`^(?:In file included |\s+)from (.+?):(\d+)[,:]`)

	// R parse/runtime errors referencing a source location.
	_rErrorPattern = regexp.MustCompile(`^(?:Error.*?:\s*)?(.+?\.[Rr]):(\d+):(\d+):\s*(.*)$`)
)

// ParseGccErrors extracts compiler diagnostics from gcc/clang output. File
// paths are resolved against baseDir when relative, and errors reported in
// installed/generated include trees are remapped back to the package source
// directory when possible. When a diagnostic's file cannot be tied back to
// baseDir but a preceding include chain entry can, the innermost such entry
// is used instead.
func ParseGccErrors(baseDir string, output string) []entity.Marker {
	var markers []entity.Marker
	var includeChain []fileLine

	for _, line := range strings.Split(output, "\n") {
		if m := _gccIncludedFromPattern.FindStringSubmatch(line); m != nil {
			lineNum, _ := strconv.Atoi(m[2])
			includeChain = append(includeChain, fileLine{file: m[1], line: lineNum})
			continue
		}

		m := _gccErrorPattern.FindStringSubmatch(line)
		if m == nil {
			if strings.TrimSpace(line) != "" {
				includeChain = nil
			}
			continue
		}

		file := remapInstalledPath(baseDir, m[1])
		lineNum, _ := strconv.Atoi(m[2])
		column := 1
		if m[3] != "" {
			column, _ = strconv.Atoi(m[3])
		}

		linked := true
		if !pathWithin(baseDir, file) {
			// Walk the include chain innermost-first looking for a source
			// location we can navigate to.
			resolved := false
			for i := len(includeChain) - 1; i >= 0; i-- {
				chainFile := remapInstalledPath(baseDir, includeChain[i].file)
				if pathWithin(baseDir, chainFile) {
					file = chainFile
					lineNum = includeChain[i].line
					column = 1
					resolved = true
					break
				}
			}
			linked = resolved
		}

		kind := entity.MarkerError
		switch m[4] {
		case "warning":
			kind = entity.MarkerWarning
		case "note":
			kind = entity.MarkerInfo
		}

		markers = append(markers, entity.Marker{
			Kind:           kind,
			File:           resolveAgainst(baseDir, file),
			Line:           lineNum,
			Column:         column,
			Message:        m[5],
			LinkedToSource: linked,
		})
		includeChain = nil
	}

	return markers
}

// ParseRErrors extracts R parse and evaluation errors that carry a source
// location, e.g. "Error in parse(...): pkg/R/foo.R:4:13: unexpected symbol".
func ParseRErrors(baseDir string, output string) []entity.Marker {
	var markers []entity.Marker
	for _, line := range strings.Split(output, "\n") {
		m := _rErrorPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNum, _ := strconv.Atoi(m[2])
		column, _ := strconv.Atoi(m[3])
		markers = append(markers, entity.Marker{
			Kind:           entity.MarkerError,
			File:           resolveAgainst(baseDir, m[1]),
			Line:           lineNum,
			Column:         column,
			Message:        m[4],
			LinkedToSource: true,
		})
	}
	return markers
}

type fileLine struct {
	file string
	line int
}

// remapInstalledPath rewrites diagnostics pointing at an installed copy of
// package headers back to the package source tree, so navigation lands on
// the editable file. The rewrite applies only when the result stays inside
// the package.
func remapInstalledPath(baseDir, file string) string {
	const installedInclude = "/include/"
	if i := strings.LastIndex(file, installedInclude); i != -1 {
		candidate := file[:i] + "/src/" + file[i+len(installedInclude):]
		if baseDir != "" && strings.HasPrefix(candidate, strings.TrimSuffix(baseDir, "/")+"/") {
			return candidate
		}
	}
	return file
}

func pathWithin(baseDir, file string) bool {
	if baseDir == "" {
		return true
	}
	if !filepath.IsAbs(file) {
		return true
	}
	return strings.HasPrefix(file, strings.TrimSuffix(baseDir, "/")+"/")
}

func resolveAgainst(baseDir, file string) string {
	if baseDir == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(baseDir, file)
}
