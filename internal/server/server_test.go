package server_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rjw57/streamkinect2/internal/mock"
	"github.com/rjw57/streamkinect2/internal/server"
	"github.com/rjw57/streamkinect2/internal/transport"
	"github.com/rjw57/streamkinect2/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{
		Name:    "test-server",
		Address: "127.0.0.1",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func roundTrip(t *testing.T, endpoint string, tag wire.Tag, payload interface{}) wire.Message {
	t.Helper()
	req, err := transport.DialControl(context.Background(), endpoint)
	require.NoError(t, err)
	defer req.Close()

	frames, err := wire.Encode(tag, payload)
	require.NoError(t, err)
	require.NoError(t, req.Send(frames))

	replyParts, err := req.Recv()
	require.NoError(t, err)
	msg, err := wire.Decode(replyParts)
	require.NoError(t, err)
	return msg
}

func TestStartImmediatelyStartsDuringNew(t *testing.T) {
	srv, err := server.New(server.Config{
		Name:             "test-server",
		Address:          "127.0.0.1",
		Logger:           zerolog.Nop(),
		StartImmediately: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop() })
	require.True(t, srv.IsRunning())
	require.NotEmpty(t, srv.ControlEndpoint())
}

func TestRunStartsCallsFnThenStopsOnSuccess(t *testing.T) {
	srv, err := server.New(server.Config{
		Name:    "test-server",
		Address: "127.0.0.1",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	var ranWhileRunning bool
	err = srv.Run(func() error {
		ranWhileRunning = srv.IsRunning()
		return nil
	})
	require.NoError(t, err)
	require.True(t, ranWhileRunning)
	require.False(t, srv.IsRunning())
}

func TestRunStopsEvenWhenFnFails(t *testing.T) {
	srv, err := server.New(server.Config{
		Name:    "test-server",
		Address: "127.0.0.1",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	fnErr := errors.New("boom")
	err = srv.Run(func() error { return fnErr })
	require.ErrorIs(t, err, fnErr)
	require.False(t, srv.IsRunning())
}

func TestStartIsIdempotentWithWarning(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Start()) // second Start is a no-op
	require.True(t, srv.IsRunning())
}

func TestStopIsIdempotentWithWarning(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop()) // second Stop is a no-op
	require.False(t, srv.IsRunning())
}

func TestPingRepliesWithPong(t *testing.T) {
	srv := newTestServer(t)
	msg := roundTrip(t, srv.ControlEndpoint(), wire.TagPing, nil)
	require.Equal(t, wire.TagPong, msg.Tag)
}

func TestUnknownTagRepliesWithError(t *testing.T) {
	srv := newTestServer(t)
	req, err := transport.DialControl(context.Background(), srv.ControlEndpoint())
	require.NoError(t, err)
	defer req.Close()

	require.NoError(t, req.Send([][]byte{{0x7f}}))
	parts, err := req.Recv()
	require.NoError(t, err)
	msg, err := wire.Decode(parts)
	require.NoError(t, err)
	require.Equal(t, wire.TagError, msg.Tag)

	var payload wire.ErrorPayload
	require.NoError(t, msg.DecodePayload(&payload))
	require.Equal(t, 400, payload.Code)
}

func TestWhoRepliesWithAttachedDevices(t *testing.T) {
	srv := newTestServer(t)
	device := mock.New("dev-1", 4, 4)
	require.NoError(t, srv.AddKinect(device))
	t.Cleanup(func() { _ = srv.RemoveKinect("dev-1") })

	msg := roundTrip(t, srv.ControlEndpoint(), wire.TagWho, nil)
	require.Equal(t, wire.TagMe, msg.Tag)

	var me wire.MePayload
	require.NoError(t, msg.DecodePayload(&me))
	require.Equal(t, wire.ProtocolVersion, me.Version)
	require.Equal(t, "test-server", me.Name)
	require.Len(t, me.Devices, 1)
	require.Equal(t, "dev-1", me.Devices[0].ID)
	require.NotEmpty(t, me.Devices[0].Endpoints["depth"])
}

func TestAddKinectRejectsDuplicateID(t *testing.T) {
	srv := newTestServer(t)
	d1 := mock.New("dev-1", 4, 4)
	d2 := mock.New("dev-1", 4, 4)
	require.NoError(t, srv.AddKinect(d1))
	t.Cleanup(func() { _ = srv.RemoveKinect("dev-1") })
	require.Error(t, srv.AddKinect(d2))
}

func TestDeviceStreamsCompressedFrames(t *testing.T) {
	srv := newTestServer(t)
	device := mock.New("dev-1", 16, 16)
	require.NoError(t, srv.AddKinect(device))
	t.Cleanup(func() { _ = srv.RemoveKinect("dev-1") })
	device.Start()
	t.Cleanup(device.Stop)

	msg := roundTrip(t, srv.ControlEndpoint(), wire.TagWho, nil)
	var me wire.MePayload
	require.NoError(t, msg.DecodePayload(&me))
	require.Len(t, me.Devices, 1)
	depthEndpoint := me.Devices[0].Endpoints["depth"]
	require.NotEmpty(t, depthEndpoint)

	sub, err := transport.DialDepth(context.Background(), depthEndpoint)
	require.NoError(t, err)
	defer sub.Close()

	frameCh := make(chan []byte, 1)
	go func() {
		data, err := sub.Recv()
		if err == nil {
			frameCh <- data
		}
	}()

	select {
	case data := <-frameCh:
		require.NotEmpty(t, data)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a published depth frame")
	}
}
