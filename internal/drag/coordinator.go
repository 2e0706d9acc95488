// Package drag turns pointer and touch gestures on the call widget into
// committed positions and widths. Samples during a gesture stay local and
// are coalesced to one update per frame; only the settled value is
// persisted and broadcast, once per gesture.
package drag

import (
	"log"
	"math"

	"github.com/thorbis/callsync/internal/eventloop"
	"github.com/thorbis/callsync/internal/state"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PointerEvent is a pointer or touch sample in viewport coordinates.
type PointerEvent struct {
	X, Y float64
	// OnHandle is set when the event target is inside the drag handle.
	OnHandle bool
	// Touch marks samples from a touch screen; see Options.TouchSlop.
	Touch bool
}

// Frames schedules per-frame callbacks; *eventloop.Loop implements it.
type Frames interface {
	RequestFrame(fn func()) eventloop.FrameID
	CancelFrame(id eventloop.FrameID)
}

// Store is where committed placement lives.
type Store interface {
	Snapshot() state.Preferences
	SetPosition(state.Position)
	SetPopoverWidth(float64)
	ResetPosition()
}

// Broadcaster tells the other tabs about a committed placement.
type Broadcaster interface {
	BroadcastPositionUpdate(x, y float64)
	BroadcastSizeUpdate(width float64)
}

type Options struct {
	Viewport     Size
	WidgetHeight float64
	// Coordinates within SnapThreshold of an edge snap onto it.
	SnapThreshold float64
	// A drop further than PopOutThreshold past any edge is a detach request.
	PopOutThreshold float64
	MinWidth        float64
	MaxWidth        float64
	// A touch drag released within TouchSlop of where it started is a tap.
	TouchSlop float64
	// DefaultMargin places the widget when its position is "default".
	DefaultMargin float64
	// OnPopOut receives the dropped position of a detach request.
	OnPopOut func(Point)
}

func (o Options) withDefaults() Options {
	if o.SnapThreshold <= 0 {
		o.SnapThreshold = 20
	}
	if o.PopOutThreshold <= 0 {
		o.PopOutThreshold = 50
	}
	if o.MinWidth <= 0 {
		o.MinWidth = 280
	}
	if o.MaxWidth < o.MinWidth {
		o.MaxWidth = 720
	}
	if o.TouchSlop <= 0 {
		o.TouchSlop = 8
	}
	if o.WidgetHeight <= 0 {
		o.WidgetHeight = 480
	}
	if o.DefaultMargin < 0 {
		o.DefaultMargin = 0
	}
	return o
}

// View is what the rendering layer reads.
type View struct {
	Position    Point   `json:"position"`
	Width       float64 `json:"width"`
	IsDragging  bool    `json:"isDragging"`
	IsResizing  bool    `json:"isResizing"`
	OutOfBounds bool    `json:"outOfBounds"`
}

// Coordinator is a per-tab gesture state machine: idle → dragging → idle,
// and idle → resizing → idle. It must only be used from the tab's loop.
type Coordinator struct {
	frames Frames
	store  Store
	bc     Broadcaster
	opts   Options

	dragging  bool
	touch     bool
	downAt    Point
	offset    Point
	candidate Point
	sample    Point

	resizing    bool
	resizeFromX float64
	startWidth  float64
	liveWidth   float64
	resizeX     float64

	frame      eventloop.FrameID
	hasPending bool
}

func New(frames Frames, store Store, bc Broadcaster, opts Options) *Coordinator {
	return &Coordinator{
		frames: frames,
		store:  store,
		bc:     bc,
		opts:   opts.withDefaults(),
	}
}

// SetViewport records a window resize.
func (c *Coordinator) SetViewport(vp Size) { c.opts.Viewport = vp }

func (c *Coordinator) widgetSize() Size {
	w := c.store.Snapshot().PopoverWidth
	if c.resizing {
		w = c.liveWidth
	}
	return Size{Width: w, Height: c.opts.WidgetHeight}
}

// resolved turns the stored position into coordinates, placing the
// "default" sentinel at the bottom-right corner.
func (c *Coordinator) resolved() Point {
	p := c.store.Snapshot().Position
	if !p.Default {
		return Point{p.X, p.Y}
	}
	sz := c.widgetSize()
	vp := c.opts.Viewport
	return Point{
		X: max(0, vp.Width-sz.Width-c.opts.DefaultMargin),
		Y: max(0, vp.Height-sz.Height-c.opts.DefaultMargin),
	}
}

func (c *Coordinator) View() View {
	v := View{
		Width:      c.widgetSize().Width,
		IsDragging: c.dragging,
		IsResizing: c.resizing,
	}
	if c.dragging {
		v.Position = c.candidate
		v.OutOfBounds = c.beyond(c.candidate)
	} else {
		v.Position = c.resolved()
	}
	return v
}

// PointerDown starts a drag if the event hit the handle. Reports whether
// a drag started.
func (c *Coordinator) PointerDown(ev PointerEvent) bool {
	if c.dragging || c.resizing || !ev.OnHandle {
		return false
	}
	origin := c.resolved()
	c.dragging = true
	c.touch = ev.Touch
	c.downAt = Point{ev.X, ev.Y}
	c.offset = Point{ev.X - origin.X, ev.Y - origin.Y}
	c.candidate = origin
	c.sample = Point{ev.X, ev.Y}
	return true
}

// PointerMove records a sample. The candidate position follows at most once
// per frame and is deliberately not clamped.
func (c *Coordinator) PointerMove(ev PointerEvent) {
	if !c.dragging {
		return
	}
	c.sample = Point{ev.X, ev.Y}
	c.schedule(func() {
		c.candidate = Point{c.sample.X - c.offset.X, c.sample.Y - c.offset.Y}
	})
}

// PointerUp ends the drag and commits its final position. A touch that
// stayed within the slop is a tap and leaves the position alone.
func (c *Coordinator) PointerUp(ev PointerEvent) {
	if !c.dragging {
		return
	}
	c.cancelFrame()
	c.dragging = false
	if c.touch && math.Hypot(ev.X-c.downAt.X, ev.Y-c.downAt.Y) <= c.opts.TouchSlop {
		return
	}
	c.candidate = Point{ev.X - c.offset.X, ev.Y - c.offset.Y}
	c.commitPosition(c.candidate)
}

// Cancel abandons a gesture without committing, as on pointercancel.
func (c *Coordinator) Cancel() {
	c.cancelFrame()
	c.dragging = false
	c.resizing = false
}

func (c *Coordinator) commitPosition(p Point) {
	if c.beyond(p) {
		log.Printf("DRAG: drop at (%.0f,%.0f) is past the pop-out threshold, not committing", p.X, p.Y)
		if c.opts.OnPopOut != nil {
			c.opts.OnPopOut(p)
		}
		return
	}
	final := c.clampSnap(p)
	if final == c.resolved() {
		// unchanged; a click must not turn "default" into coordinates
		return
	}
	c.store.SetPosition(state.At(final.X, final.Y))
	c.bc.BroadcastPositionUpdate(final.X, final.Y)
}

// beyond reports whether p puts the widget more than the pop-out threshold
// past any viewport edge.
func (c *Coordinator) beyond(p Point) bool {
	sz := c.widgetSize()
	vp := c.opts.Viewport
	t := c.opts.PopOutThreshold
	return p.X < -t || p.Y < -t ||
		p.X+sz.Width > vp.Width+t ||
		p.Y+sz.Height > vp.Height+t
}

func (c *Coordinator) clampSnap(p Point) Point {
	sz := c.widgetSize()
	vp := c.opts.Viewport
	return Point{
		X: snapAxis(p.X, vp.Width-sz.Width, c.opts.SnapThreshold),
		Y: snapAxis(p.Y, vp.Height-sz.Height, c.opts.SnapThreshold),
	}
}

// snapAxis clamps v to [0, hi] and snaps it onto either bound when within
// threshold of it.
func snapAxis(v, hi, threshold float64) float64 {
	if hi < 0 {
		hi = 0
	}
	v = min(max(v, 0), hi)
	if v < threshold {
		return 0
	}
	if hi-v < threshold {
		return hi
	}
	return v
}

// ResizeStart begins a width change from the right-edge handle at x.
func (c *Coordinator) ResizeStart(x float64) bool {
	if c.dragging || c.resizing {
		return false
	}
	c.resizing = true
	c.resizeFromX = x
	c.resizeX = x
	c.startWidth = c.store.Snapshot().PopoverWidth
	c.liveWidth = c.startWidth
	return true
}

func (c *Coordinator) ResizeMove(x float64) {
	if !c.resizing {
		return
	}
	c.resizeX = x
	c.schedule(func() {
		c.liveWidth = c.clampWidth(c.startWidth + c.resizeX - c.resizeFromX)
	})
}

// ResizeEnd commits the settled width once, if it changed.
func (c *Coordinator) ResizeEnd(x float64) {
	if !c.resizing {
		return
	}
	c.cancelFrame()
	w := c.clampWidth(c.startWidth + x - c.resizeFromX)
	c.resizing = false
	if w == c.store.Snapshot().PopoverWidth {
		return
	}
	c.store.SetPopoverWidth(w)
	c.bc.BroadcastSizeUpdate(w)
}

func (c *Coordinator) clampWidth(w float64) float64 {
	return min(max(w, c.opts.MinWidth), c.opts.MaxWidth)
}

// ResetPosition returns the widget to its default placement. The change
// reaches other tabs through the persisted preferences.
func (c *Coordinator) ResetPosition() {
	c.Cancel()
	c.store.ResetPosition()
}

// Close cancels any pending frame so no callback fires after teardown.
func (c *Coordinator) Close() {
	c.Cancel()
}

// schedule replaces any pending frame callback with fn.
func (c *Coordinator) schedule(fn func()) {
	c.cancelFrame()
	c.hasPending = true
	c.frame = c.frames.RequestFrame(func() {
		c.hasPending = false
		fn()
	})
}

func (c *Coordinator) cancelFrame() {
	if c.hasPending {
		c.frames.CancelFrame(c.frame)
		c.hasPending = false
	}
}
