// Package compress implements the depth compression pipeline (spec §4.2):
// an off-capture-thread worker pool that range-compresses and encodes raw
// depth rasters, bounded by MAX_IN_FLIGHT and lossy under overload.
//
// The worker pool shape (fixed goroutines, buffered non-blocking submit
// queue, panic-recovered workers) is grounded on the teacher's
// worker_pool.go; the requirement that emissions land on the owning
// event loop rather than the worker that produced them is implemented with
// a dedicated delivery goroutine draining a result channel, so every
// subscriber callback runs on a single goroutine.
package compress

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/rjw57/streamkinect2/internal/metrics"
	"github.com/rjw57/streamkinect2/internal/platform"
	"github.com/rjw57/streamkinect2/internal/types"
	"golang.org/x/time/rate"
)

// Mode selects the encoding algorithm used for each frame.
type Mode int

const (
	// ModeJPEG range-compresses to 8 bits then encodes a baseline JPEG
	// (spec §4.2 steps 2-3, the default).
	ModeJPEG Mode = iota
	// ModeLossless compresses the raw 16-bit samples with a byte-stream
	// compressor instead, the explicitly-permitted alternative.
	ModeLossless
)

// DropWarnEvery is how many silent drops are coalesced into one warning log
// line (spec §4.2: "a coalesced warning every 10 drops").
const DropWarnEvery = 10

// OnCompressedFrame is invoked once per emission, on the pipeline's delivery
// goroutine.
type OnCompressedFrame func(p *Pipeline, frame types.CompressedFrame)

// Config configures a Pipeline.
type Config struct {
	Mode        Mode
	WorkerCount int // <= 0 uses platform.DefaultWorkerCount()
	MaxInFlight int // <= 0 uses platform.DefaultMaxInFlight()
	Logger      zerolog.Logger
	Metrics     *metrics.Registry // may be nil
}

type job struct {
	frame types.DepthFrame
}

type result struct {
	frame types.CompressedFrame
	err   error
}

// Pipeline is a running compression worker pool for a single device.
type Pipeline struct {
	mode        Mode
	workerCount int
	maxInFlight int64
	inFlight    int64 // atomic

	jobs    chan job
	results chan result

	logger  zerolog.Logger
	metrics *metrics.Registry

	dropCount   int64 // atomic, total drops observed
	warnLimiter *rate.Limiter

	subsMu sync.Mutex
	subs   []OnCompressedFrame

	wg       sync.WaitGroup
	doneCh   chan struct{}
	doneOnce sync.Once
}

// New creates a Pipeline. Call Start to begin running workers.
func New(cfg Config) *Pipeline {
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = platform.DefaultWorkerCount()
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = platform.DefaultMaxInFlight()
	}

	return &Pipeline{
		mode:        cfg.Mode,
		workerCount: workerCount,
		maxInFlight: int64(maxInFlight),
		jobs:        make(chan job, maxInFlight),
		results:     make(chan result, maxInFlight),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		doneCh:      make(chan struct{}),
	}
}

// OnCompressedFrame registers a subscriber. Must be called before Start to
// avoid racing with the delivery goroutine.
func (p *Pipeline) OnCompressedFrame(fn OnCompressedFrame) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.subs = append(p.subs, fn)
}

// Start launches the worker goroutines and the delivery goroutine. Workers
// and the pipeline stop when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	go p.deliver(ctx)
	go func() {
		p.wg.Wait()
		p.doneOnce.Do(func() { close(p.doneCh) })
	}()
}

// Done is closed once every worker goroutine has exited. Workers exit only
// when ctx is cancelled: a panic while encoding a frame is recovered inside
// runJob and the worker carries on. internal/server does not watch Done.
func (p *Pipeline) Done() <-chan struct{} { return p.doneCh }

// InFlight returns the current number of submitted-but-not-emitted frames.
func (p *Pipeline) InFlight() int64 { return atomic.LoadInt64(&p.inFlight) }

// Submit offers frame to the pipeline. If MAX_IN_FLIGHT is already reached
// the frame is dropped silently (beyond the coalesced warning) and Submit
// returns immediately; it never blocks the capture thread.
func (p *Pipeline) Submit(frame types.DepthFrame) {
	for {
		cur := atomic.LoadInt64(&p.inFlight)
		if cur >= p.maxInFlight {
			p.recordDrop()
			return
		}
		if atomic.CompareAndSwapInt64(&p.inFlight, cur, cur+1) {
			break
		}
	}
	select {
	case p.jobs <- job{frame: frame}:
		if p.metrics != nil {
			p.metrics.InFlightFrames.Set(float64(p.InFlight()))
		}
	default:
		// Queue is full even though our in-flight budget said we had
		// room; treat as a drop and release the slot we reserved.
		atomic.AddInt64(&p.inFlight, -1)
		p.recordDrop()
	}
}

func (p *Pipeline) recordDrop() {
	n := atomic.AddInt64(&p.dropCount, 1)
	if p.metrics != nil {
		p.metrics.DepthFramesDropped.Inc()
	}
	if n%DropWarnEvery == 0 && p.warnLimiter.Allow() {
		p.logger.Warn().Int64("dropped_total", n).Msg("depth frames dropped: compression pipeline overloaded")
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.runJob(j)
		}
	}
}

func (p *Pipeline) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("compression worker panic recovered; frame discarded")
			atomic.AddInt64(&p.inFlight, -1)
		}
	}()

	data, err := encode(p.mode, j.frame)
	if err != nil {
		p.logger.Warn().Err(err).Msg("compression worker fault; frame discarded")
		atomic.AddInt64(&p.inFlight, -1)
		return
	}
	p.results <- result{frame: types.CompressedFrame{Data: data}}
}

func (p *Pipeline) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-p.results:
			if !ok {
				return
			}
			atomic.AddInt64(&p.inFlight, -1)
			if p.metrics != nil {
				p.metrics.InFlightFrames.Set(float64(p.InFlight()))
				p.metrics.DepthFramesCompressed.Inc()
			}
			p.subsMu.Lock()
			subs := append([]OnCompressedFrame(nil), p.subs...)
			p.subsMu.Unlock()
			for _, fn := range subs {
				fn(p, r.frame)
			}
		}
	}
}

// encode performs the per-frame algorithm described in spec §4.2.
func encode(mode Mode, frame types.DepthFrame) ([]byte, error) {
	switch mode {
	case ModeLossless:
		return encodeLossless(frame)
	default:
		return encodeJPEG(frame)
	}
}

// encodeJPEG range-compresses each 16-bit sample to 8 bits by a 4-bit right
// shift (spec §4.2 step 2: the top 8 bits of Kinect v2's ~12-bit meaningful
// millimetre range), then encodes the raster as a baseline JPEG at default
// quality.
func encodeJPEG(frame types.DepthFrame) ([]byte, error) {
	if len(frame.Data) != frame.Width*frame.Height {
		return nil, fmt.Errorf("compress: frame data length %d does not match %dx%d", len(frame.Data), frame.Width, frame.Height)
	}

	gray := image.NewGray(image.Rect(0, 0, frame.Width, frame.Height))
	for i, sample := range frame.Data {
		gray.Pix[i] = uint8(sample >> 4)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: jpeg.DefaultQuality}); err != nil {
		return nil, fmt.Errorf("compress: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeLossless compresses the raw 16-bit samples (little-endian) with
// zstd, the explicitly-permitted lossless alternative mode.
func encodeLossless(frame types.DepthFrame) ([]byte, error) {
	raw := make([]byte, len(frame.Data)*2)
	for i, sample := range frame.Data {
		binary.LittleEndian.PutUint16(raw[i*2:], sample)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("compress: new zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}
