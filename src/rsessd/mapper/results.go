package mapper

import (
	"net/url"
	"strings"
	"time"

	"github.com/rsess/rsessd/src/rsessd/entity"
)

// RenderStarted is the payload of a rmd_render_started event.
type RenderStarted struct {
	TargetFile   string `json:"target_file"`
	OutputFormat string `json:"output_format"`
	Line         int    `json:"line"`
}

// RenderCompleted is the terminal payload of a render operation.
type RenderCompleted struct {
	Succeeded       bool            `json:"succeeded"`
	TargetFile      string          `json:"target_file"`
	TargetEncoding  string          `json:"target_encoding"`
	TargetLine      int             `json:"target_line"`
	OutputFile      string          `json:"output_file"`
	OutputURL       string          `json:"output_url"`
	OutputFormat    string          `json:"output_format"`
	KnitrErrors     []entity.Marker `json:"knitr_errors"`
	IsShinyDocument bool            `json:"is_shiny_document"`
	HasShinyContent bool            `json:"has_shiny_content"`
	RPubsPublished  bool            `json:"rpubs_published"`
	PreviewSlide    int             `json:"preview_slide"`
}

// BuildErrors is the payload of a build_errors event.
type BuildErrors struct {
	BaseDir string          `json:"base_dir"`
	Errors  []entity.Marker `json:"errors"`
}

// BuildCompleted is the terminal payload of a build operation.
type BuildCompleted struct {
	RestartR            bool   `json:"restart_r"`
	AfterRestartCommand string `json:"after_restart_command"`
}

// FindResult is one matched line in a find or replace operation.
type FindResult struct {
	File            string `json:"file"`
	Line            int    `json:"line"`
	LineValue       string `json:"line_value"`
	MatchOn         []int  `json:"match_on"`
	MatchOff        []int  `json:"match_off"`
	ReplaceMatchOn  []int  `json:"replace_match_on"`
	ReplaceMatchOff []int  `json:"replace_match_off"`
	Diff            string `json:"diff,omitempty"`
	Error           string `json:"error,omitempty"`
}

// FindResultBatch is the payload of an incremental find_result or
// replace_result event.
type FindResultBatch struct {
	Handle  string       `json:"handle"`
	Results []FindResult `json:"results"`
}

// ReplaceProgress is the payload of a throttled replace_updated event.
type ReplaceProgress struct {
	Handle    string `json:"handle"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// FindOperationEnded is the terminal payload of a find or replace
// operation. Truncated is set when the result cap cut the stream short, so
// the client can distinguish an exhaustive result set from a partial one.
type FindOperationEnded struct {
	Handle    string `json:"handle"`
	Truncated bool   `json:"truncated"`
}

// SuspendedOperation is the persisted last-known state of an operation,
// written on session suspend and restored on resume.
type SuspendedOperation struct {
	Outputs       []entity.OutputChunk `json:"outputs"`
	Errors        []entity.Marker      `json:"errors"`
	ErrorsBaseDir string               `json:"errors_base_dir"`
	Type          string               `json:"type"`
	Running       bool                 `json:"running"`
	SuspendedAt   time.Time            `json:"suspended_at"`
}

// OperationToSuspended captures the serializable state of an operation for
// suspend persistence.
func OperationToSuspended(op entity.Operation) *SuspendedOperation {
	return &SuspendedOperation{
		Outputs:       op.Output(),
		Errors:        op.Markers(),
		ErrorsBaseDir: op.ErrorsBaseDir(),
		Type:          string(op.Kind()),
		Running:       op.State() == entity.OperationRunning,
	}
}

// OutputURLForFile builds the URL component used by the client to request
// rendered output. The full output path rides inside a URL path segment and
// is therefore double-encoded.
func OutputURLForFile(outputFile string) string {
	encoded := url.QueryEscape(url.QueryEscape(outputFile))
	return "rmd_output/" + encoded + "/"
}

// NormalizeErrorsBaseDir ensures the base dir ends with a separator so the
// slash is excluded from client-side error display.
func NormalizeErrorsBaseDir(baseDir string) string {
	if baseDir != "" && !strings.HasSuffix(baseDir, "/") {
		return baseDir + "/"
	}
	return baseDir
}
