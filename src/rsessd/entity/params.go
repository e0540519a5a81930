package entity

// RenderType selects the render pipeline variant.
type RenderType string

const (
	// RenderTypeStatic is a plain one-shot render.
	RenderTypeStatic RenderType = "static"
	// RenderTypeShiny renders a Shiny document, leaving a server running.
	RenderTypeShiny RenderType = "shiny"
	// RenderTypeNotebook renders an R Notebook.
	RenderTypeNotebook RenderType = "notebook"
)

// RenderParams are the inbound parameters for a render_rmd request.
type RenderParams struct {
	File               string     `json:"file"`
	Line               int        `json:"line"`
	Format             string     `json:"format"`
	Encoding           string     `json:"encoding"`
	ParamsFile         string     `json:"params_file"`
	AsTempfile         bool       `json:"as_tempfile"`
	RenderType         RenderType `json:"render_type"`
	ExistingOutputFile string     `json:"existing_output_file"`
	WorkingDir         string     `json:"working_dir"`
	ViewerType         string     `json:"viewer_type"`
}

// TerminateRenderParams are the inbound parameters for terminate_render_rmd.
type TerminateRenderParams struct {
	Normal bool `json:"normal"`
}

// BuildParams are the inbound parameters for a start_build request.
type BuildParams struct {
	Type    string `json:"type"`
	SubType string `json:"sub_type"`
}

// FindParams are the inbound parameters for a begin_find request.
type FindParams struct {
	Handle           string   `json:"handle"`
	SearchString     string   `json:"search_string"`
	Regex            bool     `json:"regex"`
	WholeWord        bool     `json:"whole_word"`
	IgnoreCase       bool     `json:"ignore_case"`
	Directory        string   `json:"directory"`
	IncludePatterns  []string `json:"include_patterns"`
	ExcludePatterns  []string `json:"exclude_patterns"`
	UseGitGrep       bool     `json:"use_git_grep"`
	ExcludeGitIgnore bool     `json:"exclude_git_ignore"`
}

// ReplaceParams are the inbound parameters for preview_replace and
// complete_replace requests.
type ReplaceParams struct {
	FindParams
	ReplacePattern    string `json:"replace_pattern"`
	Preview           bool   `json:"preview"`
	OriginalFindCount int    `json:"original_find_count"`
}

// StopParams identify an operation to stop by its handle.
type StopParams struct {
	Handle string `json:"handle"`
}

// InitializeParams are the inbound parameters for the initialize request.
type InitializeParams struct {
	ScopePath     string `json:"scope_path"`
	WorkspaceRoot string `json:"workspace_root"`
	ClientName    string `json:"client_name"`
}

// InitializeResult is the response to an initialize request.
type InitializeResult struct {
	ServerName string `json:"server_name"`
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}
