package mock_test

import (
	"testing"
	"time"

	"github.com/rjw57/streamkinect2/internal/mock"
	"github.com/rjw57/streamkinect2/internal/types"
	"github.com/stretchr/testify/require"
)

func TestDeviceEmitsFramesOfConfiguredShape(t *testing.T) {
	d := mock.New("dev-1", 16, 12)
	require.Equal(t, "dev-1", d.ID())

	got := make(chan types.DepthFrame, 1)
	unsubscribe := d.Subscribe(func(f types.DepthFrame) {
		select {
		case got <- f:
		default:
		}
	})
	defer unsubscribe()

	d.Start()
	defer d.Stop()

	select {
	case frame := <-got:
		require.Equal(t, 16, frame.Width)
		require.Equal(t, 12, frame.Height)
		require.Len(t, frame.Data, 16*12)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a mock depth frame")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := mock.New("dev-1", 8, 8)
	count := 0
	unsubscribe := d.Subscribe(func(types.DepthFrame) { count++ })
	unsubscribe()

	d.Start()
	time.Sleep(100 * time.Millisecond)
	d.Stop()

	require.Equal(t, 0, count)
}
