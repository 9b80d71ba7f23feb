// Package mock provides a synthetic depth-producing device for tests and
// local demos, grounded on original_source/streamkinect2/mock.py's
// MockKinect: a moving sphere clipped against a wall, emitted on a timer
// thread. The frame shape is configurable (the original hard-codes
// 1080x1920) since test use favours small frames.
package mock

import (
	"math"
	"sync"
	"time"

	"github.com/rjw57/streamkinect2/internal/types"
)

// DefaultWidth and DefaultHeight match the original implementation's frame
// shape.
const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
)

// DefaultFrameRate is the target emission rate, "just above 60FPS" per the
// original's comment.
const DefaultFrameRate = 70.0

// Device is a synthetic depth source: a sphere rolling back and forth in
// front of a wall, implementing the server.Device collaborator interface.
type Device struct {
	id        string
	width     int
	height    int
	frameRate float64

	wall, sphere []uint16

	mu        sync.Mutex
	listeners map[int]func(types.DepthFrame)
	nextID    int

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New returns a stopped Device named id with the given frame shape. A
// width/height of <=0 uses the package defaults.
func New(id string, width, height int) *Device {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	wall, sphere := buildMock(width, height)
	return &Device{
		id:        id,
		width:     width,
		height:    height,
		frameRate: DefaultFrameRate,
		wall:      wall,
		sphere:    sphere,
		listeners: make(map[int]func(types.DepthFrame)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID implements server.Device.
func (d *Device) ID() string { return d.id }

// Subscribe implements server.Device: cb is called with each synthesized
// frame from the emitter goroutine until the returned function is called.
func (d *Device) Subscribe(cb func(types.DepthFrame)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = cb
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Start begins emitting frames on a background goroutine. Calling Start
// more than once has no additional effect.
func (d *Device) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Stop halts emission and waits for the background goroutine to exit.
func (d *Device) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	<-d.done
}

func (d *Device) run() {
	defer close(d.done)
	period := time.Duration(float64(time.Second) / d.frameRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			frame := d.nextFrame(now.Sub(start).Seconds())
			d.mu.Lock()
			cbs := make([]func(types.DepthFrame), 0, len(d.listeners))
			for _, cb := range d.listeners {
				cbs = append(cbs, cb)
			}
			d.mu.Unlock()
			for _, cb := range cbs {
				cb(frame)
			}
		}
	}
}

// nextFrame computes the composite frame at elapsed seconds t: the sphere
// raster rolled horizontally by sin(t)*100 columns, clipped against the
// wall (the nearer of the two surfaces wins, mirroring np.minimum in the
// original).
func (d *Device) nextFrame(t float64) types.DepthFrame {
	dx := int(math.Sin(t) * 100)
	data := make([]uint16, d.width*d.height)
	for y := 0; y < d.height; y++ {
		row := y * d.width
		for x := 0; x < d.width; x++ {
			sx := ((x-dx)%d.width + d.width) % d.width
			sphere := d.sphere[row+sx]
			wall := d.wall[row+x]
			if sphere < wall {
				data[row+x] = sphere
			} else {
				data[row+x] = wall
			}
		}
	}
	return types.DepthFrame{Width: d.width, Height: d.height, Data: data}
}

// buildMock precomputes the wall and sphere depth rasters, following
// _make_mock in the original: the wall recedes with row index, the sphere
// is a radial distance field centred in the frame.
func buildMock(width, height int) (wall, sphere []uint16) {
	wall = make([]uint16, width*height)
	sphere = make([]uint16, width*height)
	cx, cy := width/2, height/2
	for y := 0; y < height; y++ {
		wallDepth := uint16((y >> 1) + 1000)
		for x := 0; x < width; x++ {
			idx := y*width + x
			wall[idx] = wallDepth
			dx := float64(x - cx)
			dy := float64(y - cy)
			sphere[idx] = uint16(math.Sqrt(dx*dx+dy*dy) + 500)
		}
	}
	return wall, sphere
}
