package ui

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/bridge"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

// Message types exchanged with the frame
const (
	FullscreenType    = "ui:fullscreen"
	ResizeType        = "ui:resize"
	ResizeRequestType = "ui:resize-request"
)

// Bounds below which the embedded tool is unusable
const (
	MinWidth  = 320
	MinHeight = 240
)

// Sender is the part of the bridge the coordinator needs
type Sender interface {
	Send(ctx context.Context, msgType string, payload interface{}) (*bridge.Response, error)
}

// Size is a frame size in CSS pixels
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// State is the presentation state of the frame
type State struct {
	Fullscreen bool `json:"fullscreen"`
	Size       Size `json:"size"`
}

// Options configures a Coordinator
type Options struct {
	MaxWidth  int
	MaxHeight int
	Initial   Size
	Bus       *events.Bus
	Logger    *zap.Logger
}

// Coordinator mediates fullscreen and resize between host and frame
type Coordinator struct {
	max    Size
	bus    *events.Bus
	logger *zap.Logger

	// changeMu serializes push-then-commit so frame and host agree on order
	changeMu sync.Mutex

	mu     sync.RWMutex
	sender Sender
	state  State
}

// NewCoordinator creates a coordinator with no frame attached
func NewCoordinator(opts Options) *Coordinator {
	if opts.MaxWidth < MinWidth {
		opts.MaxWidth = 3840
	}
	if opts.MaxHeight < MinHeight {
		opts.MaxHeight = 2160
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}

	c := &Coordinator{
		max:    Size{Width: opts.MaxWidth, Height: opts.MaxHeight},
		bus:    opts.Bus,
		logger: opts.Logger,
	}
	initial := opts.Initial
	if initial.Width == 0 && initial.Height == 0 {
		initial = Size{Width: 1280, Height: 800}
	}
	c.state.Size = c.Clamp(initial.Width, initial.Height)
	return c
}

// Attach routes later changes to sender; nil detaches
func (c *Coordinator) Attach(sender Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// State returns the current presentation state
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Clamp bounds a size to [MinWidth, MaxWidth] x [MinHeight, MaxHeight]
func (c *Coordinator) Clamp(width, height int) Size {
	return Size{
		Width:  clamp(width, MinWidth, c.max.Width),
		Height: clamp(height, MinHeight, c.max.Height),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SetFullscreen pushes the fullscreen flag to the frame and records it once
// the frame has acknowledged
func (c *Coordinator) SetFullscreen(ctx context.Context, enabled bool) (State, error) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()

	if c.State().Fullscreen == enabled {
		return c.State(), nil
	}
	if err := c.push(ctx, FullscreenType, types.FullscreenRequest{Enabled: enabled}); err != nil {
		return c.State(), err
	}

	c.mu.Lock()
	c.state.Fullscreen = enabled
	st := c.state
	c.mu.Unlock()

	c.logger.Info("Fullscreen changed", zap.Bool("enabled", enabled))
	c.bus.Emit(events.UIFullscreen, st)
	return st, nil
}

// EnterFullscreen is SetFullscreen(ctx, true)
func (c *Coordinator) EnterFullscreen(ctx context.Context) (State, error) {
	return c.SetFullscreen(ctx, true)
}

// ExitFullscreen is SetFullscreen(ctx, false)
func (c *Coordinator) ExitFullscreen(ctx context.Context) (State, error) {
	return c.SetFullscreen(ctx, false)
}

// Resize clamps the requested size, pushes it to the frame and records it
func (c *Coordinator) Resize(ctx context.Context, width, height int) (Size, error) {
	if width <= 0 || height <= 0 {
		return Size{}, fault.Newf(fault.KindValidation, "ui.resize", "invalid size %dx%d", width, height)
	}

	c.changeMu.Lock()
	defer c.changeMu.Unlock()

	size := c.Clamp(width, height)
	if err := c.push(ctx, ResizeType, types.ResizeRequest{Width: size.Width, Height: size.Height}); err != nil {
		return c.State().Size, err
	}
	c.commitSize(size, width, height)
	return size, nil
}

// HandleResizeRequest answers ui:resize-request messages from the frame.
// The frame receives the clamped size in the response.
func (c *Coordinator) HandleResizeRequest(_ context.Context, msg *bridge.Message) (interface{}, error) {
	var req types.ResizeRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fault.Newf(fault.KindValidation, "ui.resize", "invalid size %dx%d", req.Width, req.Height)
	}

	c.changeMu.Lock()
	defer c.changeMu.Unlock()

	size := c.Clamp(req.Width, req.Height)
	c.commitSize(size, req.Width, req.Height)
	return size, nil
}

func (c *Coordinator) commitSize(size Size, width, height int) {
	c.mu.Lock()
	c.state.Size = size
	c.mu.Unlock()

	if size.Width != width || size.Height != height {
		c.logger.Debug("Resize clamped",
			zap.Int("requested_width", width),
			zap.Int("requested_height", height),
			zap.Int("width", size.Width),
			zap.Int("height", size.Height))
	}
	c.bus.Emit(events.UIResize, size)
}

func (c *Coordinator) push(ctx context.Context, msgType string, payload interface{}) error {
	c.mu.RLock()
	sender := c.sender
	c.mu.RUnlock()

	if sender == nil {
		return fault.New(fault.KindClosed, "ui.push", "no frame attached")
	}
	resp, err := sender.Send(ctx, msgType, payload)
	if err != nil {
		return err
	}
	return resp.Err()
}
