package compress_test

import (
	"context"
	"testing"

	"github.com/rjw57/streamkinect2/internal/compress"
	"github.com/rjw57/streamkinect2/internal/types"
	"github.com/rs/zerolog"
)

// BenchmarkPipelineJPEG mirrors scripts/benchmark_mock_kinect.py from the
// original project: push mock-shaped frames through the pipeline as fast as
// possible and let testing.B's timer report throughput.
func BenchmarkPipelineJPEG(b *testing.B) {
	benchmarkPipeline(b, compress.ModeJPEG)
}

func BenchmarkPipelineLossless(b *testing.B) {
	benchmarkPipeline(b, compress.ModeLossless)
}

func benchmarkPipeline(b *testing.B, mode compress.Mode) {
	p := compress.New(compress.Config{Mode: mode, WorkerCount: 4, MaxInFlight: 8, Logger: zerolog.Nop()})

	done := make(chan struct{}, 1)
	p.OnCompressedFrame(func(_ *compress.Pipeline, _ types.CompressedFrame) {
		select {
		case done <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	frame := makeFrame(512, 424) // Kinect v2's native depth raster shape

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Submit(frame)
		<-done
	}
}
