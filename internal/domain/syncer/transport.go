package syncer

import (
	"context"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/bridge"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

// BatchMessageType is the bridge message carrying a batch to the frame
const BatchMessageType = "sync:batch"

// Sender is the part of the bridge the transport needs
type Sender interface {
	Send(ctx context.Context, msgType string, payload interface{}) (*bridge.Response, error)
}

// BridgeTransport sends batches through the bridge; the embedded tool
// relays them to the backend and answers with per-operation results
type BridgeTransport struct {
	sender Sender
}

// NewBridgeTransport creates a transport over sender
func NewBridgeTransport(sender Sender) *BridgeTransport {
	return &BridgeTransport{sender: sender}
}

// SyncBatch implements Transport
func (t *BridgeTransport) SyncBatch(ctx context.Context, items []types.SyncItem) ([]types.SyncResult, error) {
	resp, err := t.sender.Send(ctx, BatchMessageType, types.BatchRequest{Operations: items})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	var out types.BatchResponse
	if err := resp.Decode(&out); err != nil {
		return nil, fault.Wrap(fault.KindNetwork, "syncer.transport", err)
	}
	return out.Results, nil
}
