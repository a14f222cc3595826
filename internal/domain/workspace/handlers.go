package workspace

import (
	"context"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/bridge"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

func (w *Workspace) handleContextGet(context.Context, *bridge.Message) (interface{}, error) {
	snap := w.access.Snapshot()
	if snap == nil {
		return nil, fault.New(fault.KindStale, "workspace.context", "no annotation context")
	}
	return snap, nil
}

func (w *Workspace) handleContextRefresh(ctx context.Context, _ *bridge.Message) (interface{}, error) {
	if err := w.access.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	return w.access.Snapshot(), nil
}

func (w *Workspace) handlePermissionCheck(_ context.Context, msg *bridge.Message) (interface{}, error) {
	var req types.PermissionCheckRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.Action == "" || req.Resource == "" {
		return nil, fault.New(fault.KindValidation, "workspace.permission", "action and resource are required")
	}

	resp := types.PermissionCheckResponse{
		Action:   req.Action,
		Resource: req.Resource,
		Allowed:  w.access.CheckPermission(req.Action, req.Resource),
	}
	if !resp.Allowed {
		if w.access.IsStale() {
			resp.Reason = "no current context"
		} else {
			resp.Reason = "not granted"
		}
	}
	return resp, nil
}
