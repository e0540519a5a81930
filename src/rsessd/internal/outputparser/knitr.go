package outputparser

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rsess/rsessd/src/rsessd/entity"
)

// knitr reports chunk failures with a "Quitting from lines X-Y (file)" line;
// any remainder on the same line is the start of the error message.
var _knitrErrorPattern = regexp.MustCompile(`^Quitting from lines (\d+)-(\d+) \(([^)]+)\)(.*)`)

// ParseKnitrError inspects one line of render output and, when it is a knitr
// chunk failure, produces a marker pointing at the failing chunk in the
// source document. targetDir anchors relative document paths.
func ParseKnitrError(targetDir string, line string) (entity.Marker, bool) {
	m := _knitrErrorPattern.FindStringSubmatch(line)
	if m == nil {
		return entity.Marker{}, false
	}

	startLine, _ := strconv.Atoi(m[1])
	file := m[3]
	if !filepath.IsAbs(file) {
		file = filepath.Join(targetDir, file)
	}

	return entity.Marker{
		Kind:           entity.MarkerError,
		File:           file,
		Line:           startLine,
		Column:         1,
		Message:        strings.TrimSpace(m[4]),
		LinkedToSource: true,
	}, true
}
