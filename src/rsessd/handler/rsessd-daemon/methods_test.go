package rsessddaemon

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/mock/gomock"

	"github.com/rsess/rsessd/src/rsessd/controller/rsessd-daemon/rsessddaemonmock"
	"github.com/rsess/rsessd/src/rsessd/entity"
	"github.com/rsess/rsessd/src/rsessd/factory"
	"github.com/rsess/rsessd/src/rsessd/mapper"
)

func newTestRouter(t *testing.T) (*jsonRPCRouter, *rsessddaemonmock.MockController) {
	t.Helper()
	ctrl := gomock.NewController(t)
	c := rsessddaemonmock.NewMockController(ctrl)
	r := &jsonRPCRouter{
		daemon: c,
		uuid:   factory.UUID(),
		stats:  tally.NewTestScope("testing", nil),
	}
	return r, c
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name             string
		controllerResult *entity.InitializeResult
		controllerError  error
		wantErr          bool
	}{
		{
			name:            "error from controller",
			controllerError: errors.New("controller error"),
			wantErr:         true,
		},
		{
			name:             "no error from controller",
			controllerResult: &entity.InitializeResult{ServerName: "rsessd"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, c := newTestRouter(t)
			c.EXPECT().Initialize(gomock.Any(), gomock.Any()).Return(tt.controllerResult, tt.controllerError)

			req := factory.JSONRPCRequest(MethodInitialize, entity.InitializeParams{})
			err := r.HandleReq(context.Background(), newMockReplier(), req)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLifecycleMethods(t *testing.T) {
	t.Run("shutdown", func(t *testing.T) {
		r, c := newTestRouter(t)
		c.EXPECT().Shutdown(gomock.Any()).Return(nil)

		req := factory.JSONRPCRequest(MethodShutdown, nil)
		assert.NoError(t, r.HandleReq(context.Background(), newMockReplier(), req))
	})

	t.Run("exit replies before controller runs", func(t *testing.T) {
		r, c := newTestRouter(t)

		replied := false
		c.EXPECT().Exit(gomock.Any()).DoAndReturn(func(context.Context) error {
			assert.True(t, replied, "exit must reply before the controller acts")
			return nil
		})

		replier := func(ctx context.Context, result interface{}, err error) error {
			replied = true
			return err
		}
		req := factory.JSONRPCRequest(MethodExit, nil)
		assert.NoError(t, r.HandleReq(context.Background(), replier, req))
	})

	t.Run("request full shutdown", func(t *testing.T) {
		r, c := newTestRouter(t)
		c.EXPECT().RequestFullShutdown(gomock.Any()).Return(nil)

		req := factory.JSONRPCRequest(MethodRequestFullShutdown, nil)
		assert.NoError(t, r.HandleReq(context.Background(), newMockReplier(), req))
	})
}

func TestSuspendResumeMethods(t *testing.T) {
	t.Run("suspend", func(t *testing.T) {
		r, c := newTestRouter(t)
		c.EXPECT().Suspend(gomock.Any()).Return(nil)

		req := factory.JSONRPCRequest(MethodSessionSuspend, nil)
		assert.NoError(t, r.HandleReq(context.Background(), newMockReplier(), req))
	})

	t.Run("resume", func(t *testing.T) {
		r, c := newTestRouter(t)
		restored := map[entity.OperationKind]*mapper.SuspendedOperation{
			entity.OperationRender: {Type: string(entity.OperationRender)},
		}
		c.EXPECT().Resume(gomock.Any()).Return(restored, nil)

		var result interface{}
		replier := func(ctx context.Context, res interface{}, err error) error {
			result = res
			return err
		}
		req := factory.JSONRPCRequest(MethodSessionResume, nil)
		assert.NoError(t, r.HandleReq(context.Background(), replier, req))
		assert.Equal(t, restored, result)
	})
}

func TestOperationMethods(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params interface{}
		expect func(c *rsessddaemonmock.MockController)
	}{
		{
			name:   "render",
			method: MethodRenderRmd,
			params: entity.RenderParams{File: "report.Rmd"},
			expect: func(c *rsessddaemonmock.MockController) {
				c.EXPECT().RenderRmd(gomock.Any(), gomock.Any()).Return(true, nil)
			},
		},
		{
			name:   "terminate render",
			method: MethodTerminateRenderRmd,
			params: entity.TerminateRenderParams{Normal: true},
			expect: func(c *rsessddaemonmock.MockController) {
				c.EXPECT().TerminateRenderRmd(gomock.Any(), gomock.Any()).Return(true, nil)
			},
		},
		{
			name:   "start build",
			method: MethodStartBuild,
			params: entity.BuildParams{Type: "build-all"},
			expect: func(c *rsessddaemonmock.MockController) {
				c.EXPECT().StartBuild(gomock.Any(), gomock.Any()).Return(true, nil)
			},
		},
		{
			name:   "terminate build",
			method: MethodTerminateBuild,
			params: nil,
			expect: func(c *rsessddaemonmock.MockController) {
				c.EXPECT().TerminateBuild(gomock.Any()).Return(true, nil)
			},
		},
		{
			name:   "begin find",
			method: MethodBeginFind,
			params: entity.FindParams{SearchString: "needle"},
			expect: func(c *rsessddaemonmock.MockController) {
				c.EXPECT().BeginFind(gomock.Any(), gomock.Any()).Return("handle-1", nil)
			},
		},
		{
			name:   "stop find",
			method: MethodStopFind,
			params: entity.StopParams{Handle: "handle-1"},
			expect: func(c *rsessddaemonmock.MockController) {
				c.EXPECT().StopFind(gomock.Any(), gomock.Any()).Return(true, nil)
			},
		},
		{
			name:   "preview replace",
			method: MethodPreviewReplace,
			params: entity.ReplaceParams{ReplacePattern: "x"},
			expect: func(c *rsessddaemonmock.MockController) {
				c.EXPECT().PreviewReplace(gomock.Any(), gomock.Any()).Return("handle-2", nil)
			},
		},
		{
			name:   "complete replace",
			method: MethodCompleteReplace,
			params: entity.ReplaceParams{ReplacePattern: "x"},
			expect: func(c *rsessddaemonmock.MockController) {
				c.EXPECT().CompleteReplace(gomock.Any(), gomock.Any()).Return("handle-3", nil)
			},
		},
		{
			name:   "stop replace",
			method: MethodStopReplace,
			params: entity.StopParams{Handle: "handle-3"},
			expect: func(c *rsessddaemonmock.MockController) {
				c.EXPECT().StopReplace(gomock.Any(), gomock.Any()).Return(true, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, c := newTestRouter(t)
			tt.expect(c)

			req := factory.JSONRPCRequest(tt.method, tt.params)
			assert.NoError(t, r.HandleReq(context.Background(), newMockReplier(), req))
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	r, _ := newTestRouter(t)

	req := factory.JSONRPCRequest("no_such_method", nil)
	err := r.HandleReq(context.Background(), newMockReplier(), req)
	assert.Error(t, err)
}
