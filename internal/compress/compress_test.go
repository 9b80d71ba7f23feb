package compress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rjw57/streamkinect2/internal/compress"
	"github.com/rjw57/streamkinect2/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func makeFrame(w, h int) types.DepthFrame {
	data := make([]uint16, w*h)
	for i := range data {
		data[i] = uint16(i % 4096)
	}
	return types.DepthFrame{Width: w, Height: h, Data: data}
}

func TestPipelineEmitsCompressedFrames(t *testing.T) {
	p := compress.New(compress.Config{WorkerCount: 2, MaxInFlight: 4, Logger: zerolog.Nop()})

	var mu sync.Mutex
	var got []types.CompressedFrame
	done := make(chan struct{}, 1)
	p.OnCompressedFrame(func(_ *compress.Pipeline, frame types.CompressedFrame) {
		mu.Lock()
		got = append(got, frame)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Submit(makeFrame(8, 8))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for compressed frame")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.NotEmpty(t, got[0].Data)
}

func TestPipelineDropsWhenOverloaded(t *testing.T) {
	p := compress.New(compress.Config{WorkerCount: 1, MaxInFlight: 1, Logger: zerolog.Nop()})

	block := make(chan struct{})
	p.OnCompressedFrame(func(_ *compress.Pipeline, _ types.CompressedFrame) {
		<-block // keep the single slot occupied until we're done asserting
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Submit(makeFrame(4, 4))
	// Give the worker a moment to pick up the first frame and fill the
	// single in-flight slot before we try to exceed it.
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		p.Submit(makeFrame(4, 4))
	}
	require.LessOrEqual(t, p.InFlight(), int64(1))
	close(block)
}

func TestLosslessModeRoundTripsShape(t *testing.T) {
	p := compress.New(compress.Config{Mode: compress.ModeLossless, WorkerCount: 1, MaxInFlight: 2, Logger: zerolog.Nop()})

	done := make(chan types.CompressedFrame, 1)
	p.OnCompressedFrame(func(_ *compress.Pipeline, frame types.CompressedFrame) {
		done <- frame
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Submit(makeFrame(16, 16))

	select {
	case frame := <-done:
		require.NotEmpty(t, frame.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lossless frame")
	}
}
