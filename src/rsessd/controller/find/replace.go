package find

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/multierr"

	"github.com/rsess/rsessd/src/rsessd/entity"
	"github.com/rsess/rsessd/src/rsessd/mapper"
)

// Progress events are emitted only when completion has advanced by at least
// this many percentage points since the last one.
const _progressStepPercent = 5

// substituter computes the replacement text for one matched span. Offsets in
// and out are codepoint indexes into the decoded line.
type substituter struct {
	regex       *regexp2.Regexp
	replacement string
	differ      *diffmatchpatch.DiffMatchPatch
}

func newSubstituter(params *entity.ReplaceParams) (*substituter, error) {
	s := &substituter{
		replacement: params.ReplacePattern,
		differ:      diffmatchpatch.New(),
	}
	if params.Regex {
		opts := regexp2.None
		if params.IgnoreCase {
			opts |= regexp2.IgnoreCase
		}
		re, err := regexp2.Compile(params.SearchString, opts)
		if err != nil {
			return nil, fmt.Errorf("invalid replace pattern: %w", err)
		}
		s.regex = re
		s.replacement = translateReplacement(params.ReplacePattern)
	}
	return s, nil
}

// translateReplacement rewrites backslash group references (\1 .. \9) to the
// dollar form the regex engine substitutes, leaving other escapes intact.
func translateReplacement(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		if ch != '\\' || i+1 >= len(pattern) {
			b.WriteByte(ch)
			continue
		}
		next := pattern[i+1]
		switch {
		case next >= '1' && next <= '9':
			b.WriteByte('$')
			b.WriteByte(next)
			i++
		case next == '\\':
			b.WriteByte('\\')
			i++
		case next == '$':
			// A literal dollar must not look like a group reference.
			b.WriteString("$$")
			i++
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// substituteSpan returns the replacement text for one matched span.
func (s *substituter) substituteSpan(span string) (string, error) {
	if s.regex == nil {
		return s.replacement, nil
	}
	return s.regex.Replace(span, s.replacement, -1, -1)
}

// applyToLine substitutes every matched span of a line. Spans are applied
// left to right; returned offsets delimit each replacement in the new line.
func (s *substituter) applyToLine(clean string, on, off []int) (newLine string, newOn, newOff []int, err error) {
	runes := []rune(clean)
	var out []rune
	prev := 0

	for i := range on {
		if on[i] < prev || off[i] > len(runes) || off[i] < on[i] {
			return "", nil, nil, fmt.Errorf("match offsets [%d,%d) out of range for line of length %d", on[i], off[i], len(runes))
		}
		out = append(out, runes[prev:on[i]]...)
		replaced, serr := s.substituteSpan(string(runes[on[i]:off[i]]))
		if serr != nil {
			return "", nil, nil, serr
		}
		newOn = append(newOn, len(out))
		out = append(out, []rune(replaced)...)
		newOff = append(newOff, len(out))
		prev = off[i]
	}
	out = append(out, runes[prev:]...)

	return string(out), newOn, newOff, nil
}

// preview fills the replacement fields of a found record without touching the
// file: new offsets plus a patch describing the line edit.
func (s *substituter) preview(result *mapper.FindResult) {
	newLine, newOn, newOff, err := s.applyToLine(result.LineValue, result.MatchOn, result.MatchOff)
	if err != nil {
		result.Error = err.Error()
		return
	}
	result.ReplaceMatchOn = newOn
	result.ReplaceMatchOff = newOff
	if newLine != result.LineValue {
		patches := s.differ.PatchMake(result.LineValue, newLine)
		result.Diff = s.differ.PatchToText(patches)
	}
}

// applyReplacements rewrites every matched file sequentially. Failures are
// isolated per line and per file: a bad line keeps its original text and gets
// an error record, an unwritable file gets a single error record, and the
// operation itself still completes.
func (c *controller) applyReplacements(ctx context.Context, job *searchJob) {
	job.mu.Lock()
	fileOrder := job.fileOrder
	matchesByFile := job.matchesByFile
	total := job.count
	job.mu.Unlock()

	if job.params.OriginalFindCount > 0 {
		total = job.params.OriginalFindCount
	}

	var errs error
	completed := 0
	lastPercent := 0

	for _, file := range fileOrder {
		matches := matchesByFile[file]
		results, err := c.rewriteFile(file, matches, job.substituter)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", file, err))
			results = []mapper.FindResult{{File: file, Error: err.Error()}}
		}

		job.mu.Lock()
		job.pending = append(job.pending, results...)
		flush := len(job.pending) >= _batchSize
		job.mu.Unlock()
		if flush {
			c.flushBatch(ctx, job)
		}

		completed += len(matches)
		if total > 0 {
			percent := completed * 100 / total
			if percent >= lastPercent+_progressStepPercent || completed == total {
				lastPercent = percent
				c.events.ReplaceUpdated(ctx, &mapper.ReplaceProgress{
					Handle:    job.Handle(),
					Completed: completed,
					Total:     total,
				})
			}
		}
	}

	if errs != nil {
		c.logger.Warnw("replace finished with errors", "handle", job.Handle(), "error", errs)
	}
}

// rewriteFile streams a file through a temp sibling, substituting matched
// lines, and atomically renames it into place. The returned records cover
// each match, successful or not.
func (c *controller) rewriteFile(file string, matches []fileMatch, sub *substituter) ([]mapper.FindResult, error) {
	info, err := c.fs.Stat(file)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0200 == 0 {
		return nil, fmt.Errorf("file is not writable")
	}

	src, err := c.fs.Open(file)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	tmp, err := c.fs.TempFile(filepath.Dir(file), ".rsessd-replace-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		c.fs.Remove(tmpPath)
	}

	matchesByLine := make(map[int][]fileMatch, len(matches))
	for _, m := range matches {
		matchesByLine[m.line] = append(matchesByLine[m.line], m)
	}

	var results []mapper.FindResult
	reader := bufio.NewReader(src)
	writer := bufio.NewWriter(tmp)
	lineNum := 0

	for {
		line, readErr := reader.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			cleanup()
			return nil, readErr
		}
		if line != "" {
			lineNum++
			out := line
			if lineMatches, ok := matchesByLine[lineNum]; ok {
				out = substituteLine(file, line, lineMatches, sub, &results)
			}
			if _, err := writer.WriteString(out); err != nil {
				cleanup()
				return nil, err
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	if err := writer.Flush(); err != nil {
		cleanup()
		return nil, err
	}
	// Temp files are created 0600; the original mode must survive the swap.
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		cleanup()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		c.fs.Remove(tmpPath)
		return nil, err
	}
	if err := c.fs.Rename(tmpPath, file); err != nil {
		c.fs.Remove(tmpPath)
		return nil, err
	}

	return results, nil
}

// substituteLine applies the recorded matches of one line, appending one
// record per match group. A failed line keeps its original text.
func substituteLine(file, raw string, lineMatches []fileMatch, sub *substituter, results *[]mapper.FindResult) string {
	eol := ""
	body := raw
	if strings.HasSuffix(body, "\n") {
		body = strings.TrimSuffix(body, "\n")
		eol = "\n"
		if strings.HasSuffix(body, "\r") {
			body = strings.TrimSuffix(body, "\r")
			eol = "\r\n"
		}
	}

	// One grep record exists per matched line, but defend against duplicates.
	m := lineMatches[0]
	result := mapper.FindResult{
		File:     file,
		Line:     m.line,
		MatchOn:  m.on,
		MatchOff: m.off,
	}

	if body != m.clean {
		result.Error = "line changed since it was matched"
		result.LineValue = body
		*results = append(*results, result)
		return raw
	}

	newLine, newOn, newOff, err := sub.applyToLine(body, m.on, m.off)
	if err != nil {
		result.Error = err.Error()
		result.LineValue = body
		*results = append(*results, result)
		return raw
	}

	result.LineValue = newLine
	result.ReplaceMatchOn = newOn
	result.ReplaceMatchOff = newOff
	*results = append(*results, result)
	return newLine + eol
}
