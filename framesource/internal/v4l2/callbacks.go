package v4l2

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Frame is a raw RGB frame pulled from the appsink.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
	TraceID   string
}

// CallbackContext holds the state the appsink callback needs.
type CallbackContext struct {
	FrameChan     chan<- Frame
	FrameCounter  *uint64 // atomic sequence counter
	BytesRead     *uint64 // atomic byte counter
	FramesDropped *uint64 // atomic drop counter (channel full)
	Width         int
	Height        int
}

// OnNewSample is invoked by GStreamer for each new frame at the appsink.
//
// It pulls the sample, copies the pixel data out of the GStreamer buffer
// (the buffer is reused), and hands the frame to the decode loop without
// blocking: if the decode loop is behind, the frame is dropped.
//
// A corrupt sample skips the frame rather than terminating the stream.
func OnNewSample(sink *app.Sink, ctx *CallbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("v4l2: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("v4l2: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("v4l2: empty buffer received")
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(ctx.FrameCounter, 1)
	atomic.AddUint64(ctx.BytesRead, uint64(len(frameData)))

	frame := Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     ctx.Width,
		Height:    ctx.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	select {
	case ctx.FrameChan <- frame:
	default:
		atomic.AddUint64(ctx.FramesDropped, 1)
		slog.Debug("v4l2: dropping frame, decode loop behind",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}

	return gst.FlowOK
}
