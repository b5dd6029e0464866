// Package v4l2 builds and owns the GStreamer capture pipeline for local
// video devices. It is internal: clients use the framesource public API.
package v4l2

import (
	"fmt"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// PipelineConfig configures capture pipeline creation.
type PipelineConfig struct {
	DevicePath string
	Width      int
	Height     int
	TargetFPS  float64
}

// Elements holds references to pipeline elements needed for teardown and
// inspection.
type Elements struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	Source     *gst.Element
	CapsFilter *gst.Element
}

// CreatePipeline creates and configures a capture pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(RGB) → appsink
//
// The pipeline is configured but NOT started (state remains NULL). The
// caller sets appsink callbacks and moves the pipeline to PLAYING.
func CreatePipeline(cfg PipelineConfig) (*Elements, error) {
	// Safe to call multiple times.
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.DevicePath)
	// Drop late frames at the source; a scanner wants the current frame,
	// never a backlog.
	src.SetProperty("do-timestamp", true)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // auto-detect cores

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(BuildCaps(cfg.Width, cfg.Height, cfg.TargetFPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // real-time, no clock sync
	appsink.SetProperty("max-buffers", 1) // keep only the latest frame
	appsink.SetProperty("drop", true)
	appsink.SetProperty("qos", true) // let upstream drop before conversion

	pipeline.AddMany(src, converter, scaler, videorate, capsfilter, appsink.Element)

	// v4l2src has static pads: the whole chain links eagerly.
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	return &Elements{
		Pipeline:   pipeline,
		AppSink:    appsink,
		Source:     src,
		CapsFilter: capsfilter,
	}, nil
}

// DestroyPipeline releases all pipeline resources by driving the pipeline to
// NULL. Safe to call on an already-destroyed pipeline.
func DestroyPipeline(elements *Elements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// BuildCaps builds the RGB caps string with a framerate constraint.
// Fractional rates below 1fps are expressed as 1/N.
func BuildCaps(width, height int, fps float64) string {
	numerator := 1
	denominator := 1
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}
	return fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		width, height, numerator, denominator,
	)
}
