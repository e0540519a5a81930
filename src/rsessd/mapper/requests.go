package mapper

import (
	"encoding/json"
	"fmt"

	"github.com/rsess/rsessd/src/rsessd/entity"
	"go.lsp.dev/jsonrpc2"
)

func wrapErrParse(err error) error {
	return fmt.Errorf("parsing request parameters: %w", err)
}

// RequestToInitializeParams maps the parameters from a jsonrpc2.Request into entity.InitializeParams.
func RequestToInitializeParams(req jsonrpc2.Request) (*entity.InitializeParams, error) {
	params := entity.InitializeParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToRenderParams maps the parameters from a jsonrpc2.Request into entity.RenderParams.
func RequestToRenderParams(req jsonrpc2.Request) (*entity.RenderParams, error) {
	params := entity.RenderParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	if params.RenderType == "" {
		params.RenderType = entity.RenderTypeStatic
	}
	return &params, nil
}

// RequestToTerminateRenderParams maps the parameters from a jsonrpc2.Request into entity.TerminateRenderParams.
func RequestToTerminateRenderParams(req jsonrpc2.Request) (*entity.TerminateRenderParams, error) {
	params := entity.TerminateRenderParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToBuildParams maps the parameters from a jsonrpc2.Request into entity.BuildParams.
func RequestToBuildParams(req jsonrpc2.Request) (*entity.BuildParams, error) {
	params := entity.BuildParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToFindParams maps the parameters from a jsonrpc2.Request into entity.FindParams.
func RequestToFindParams(req jsonrpc2.Request) (*entity.FindParams, error) {
	params := entity.FindParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToReplaceParams maps the parameters from a jsonrpc2.Request into entity.ReplaceParams.
func RequestToReplaceParams(req jsonrpc2.Request) (*entity.ReplaceParams, error) {
	params := entity.ReplaceParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// RequestToStopParams maps the parameters from a jsonrpc2.Request into entity.StopParams.
func RequestToStopParams(req jsonrpc2.Request) (*entity.StopParams, error) {
	params := entity.StopParams{}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}
