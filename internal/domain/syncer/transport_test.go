package syncer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/bridge"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

type senderFunc func(ctx context.Context, msgType string, payload interface{}) (*bridge.Response, error)

func (f senderFunc) Send(ctx context.Context, msgType string, payload interface{}) (*bridge.Response, error) {
	return f(ctx, msgType, payload)
}

func TestBridgeTransport(t *testing.T) {
	var gotType string
	var gotReq types.BatchRequest
	tr := NewBridgeTransport(senderFunc(func(_ context.Context, msgType string, payload interface{}) (*bridge.Response, error) {
		gotType = msgType
		gotReq = payload.(types.BatchRequest)
		data, err := sonic.Marshal(types.BatchResponse{Results: []types.SyncResult{
			{OperationID: "op_1", Status: types.OutcomeApplied, RemoteVersion: 7},
		}})
		require.NoError(t, err)
		return &bridge.Response{Success: true, Data: data}, nil
	}))

	results, err := tr.SyncBatch(context.Background(), []types.SyncItem{{OperationID: "op_1", EntityID: "a1"}})
	require.NoError(t, err)
	assert.Equal(t, BatchMessageType, gotType)
	require.Len(t, gotReq.Operations, 1)
	require.Len(t, results, 1)
	assert.Equal(t, int64(7), results[0].RemoteVersion)
}

func TestBridgeTransportErrors(t *testing.T) {
	denied := NewBridgeTransport(senderFunc(func(context.Context, string, interface{}) (*bridge.Response, error) {
		return &bridge.Response{Success: false, Code: fault.KindPermission, Error: "read only"}, nil
	}))
	_, err := denied.SyncBatch(context.Background(), nil)
	assert.ErrorIs(t, err, fault.ErrPermission)

	timeout := NewBridgeTransport(senderFunc(func(context.Context, string, interface{}) (*bridge.Response, error) {
		return nil, fault.New(fault.KindTimeout, "bridge.send", "no response")
	}))
	_, err = timeout.SyncBatch(context.Background(), nil)
	assert.True(t, fault.Retryable(err))

	garbled := NewBridgeTransport(senderFunc(func(context.Context, string, interface{}) (*bridge.Response, error) {
		return &bridge.Response{Success: true, Data: json.RawMessage(`[1,2]`)}, nil
	}))
	_, err = garbled.SyncBatch(context.Background(), nil)
	assert.ErrorIs(t, err, fault.ErrNetwork)
}
