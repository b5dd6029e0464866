package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/gatewise/gatescan/framesource/internal/v4l2"
)

// cameraActive is the process-wide exclusivity guard. The camera is the one
// exclusive hardware resource in the pipeline: two live device handles in
// one process is always a bug, regardless of which sessions own them.
var cameraActive atomic.Bool

// sysfsRoot is where capture devices are discovered.
var sysfsRoot = v4l2.DefaultSysfsRoot

// startupWindow bounds how long Start waits for the pipeline to either
// reach PLAYING or surface a device error. Permission, busy, and missing
// node errors are raised during the READY to PAUSED transition.
const startupWindow = 5 * time.Second

// stopTimeout bounds how long Stop waits for background goroutines to wind
// down before returning. Var so tests can shorten the wait.
var stopTimeout = 3 * time.Second

// CameraSource captures frames from a local video device via GStreamer and
// decodes QR payloads from them. A stopped source can be started again;
// each run gets a fresh decode channel.
type CameraSource struct {
	cfg CameraConfig

	mu       sync.Mutex
	running  bool
	fatalErr error
	device   v4l2.Device
	elements *v4l2.Elements
	out      chan Decode
	ctx      context.Context
	cancel   context.CancelFunc
	started  time.Time

	wg       sync.WaitGroup // all background goroutines
	decodeWg sync.WaitGroup // decode loop only: gates closing the out channel

	// Counters (atomic).
	frameCount     uint64
	bytesRead      uint64
	framesDropped  uint64
	decodeAttempts uint64
	decodes        uint64
	decodeMisses   uint64

	lastDecodeMu sync.Mutex
	lastDecodeAt time.Time
}

// NewCameraSource creates a camera source with fail-fast validation.
// The device is not touched until Start.
func NewCameraSource(cfg CameraConfig) (*CameraSource, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("framesource: camera source created",
		"device", cfg.Device,
		"facing", cfg.Facing.String(),
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"target_fps", cfg.TargetFPS,
		"decode_every", cfg.DecodeEvery,
	)
	return &CameraSource{cfg: cfg}, nil
}

// Start acquires the camera exclusively and begins emitting decodes.
//
// Device selection: an explicit cfg.Device wins; otherwise capture devices
// are discovered and the label best matching the facing preference is
// chosen, falling back to the first device. Fails with a typed CameraError:
// NoDevice, PermissionDenied, HardwareBusy, or AlreadyRunning when a handle
// is already open anywhere in the process.
func (s *CameraSource) Start(ctx context.Context) (<-chan Decode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, &CameraError{Kind: AlreadyRunning, Op: "start"}
	}
	if !cameraActive.CompareAndSwap(false, true) {
		return nil, &CameraError{Kind: AlreadyRunning, Op: "start",
			Err: fmt.Errorf("another source holds the camera")}
	}

	dev, err := s.selectDevice()
	if err != nil {
		cameraActive.Store(false)
		return nil, err
	}
	s.device = dev

	elements, err := v4l2.CreatePipeline(v4l2.PipelineConfig{
		DevicePath: dev.Path,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		TargetFPS:  s.cfg.TargetFPS,
	})
	if err != nil {
		cameraActive.Store(false)
		return nil, &CameraError{Kind: DeviceFailure, Op: "create pipeline", Err: err}
	}

	frames := make(chan v4l2.Frame, 4)
	callbackCtx := &v4l2.CallbackContext{
		FrameChan:     frames,
		FrameCounter:  &s.frameCount,
		BytesRead:     &s.bytesRead,
		FramesDropped: &s.framesDropped,
		Width:         s.cfg.Width,
		Height:        s.cfg.Height,
	}
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return v4l2.OnNewSample(sink, callbackCtx)
		},
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		v4l2.DestroyPipeline(elements)
		cameraActive.Store(false)
		return nil, s.classifyError("set playing", err.Error(), "")
	}

	// v4l2 device errors (permission, busy, missing node) surface on the
	// bus during startup rather than from SetState. Wait for either
	// PLAYING or an error before declaring the source live.
	if err := awaitStartup(elements); err != nil {
		v4l2.DestroyPipeline(elements)
		cameraActive.Store(false)
		if gerr, ok := err.(*busError); ok {
			return nil, s.classifyError("start", gerr.msg, gerr.debug)
		}
		return nil, &CameraError{Kind: DeviceFailure, Op: "start", Err: err}
	}

	out := make(chan Decode, 4)
	s.elements = elements
	s.out = out
	s.fatalErr = nil
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()
	s.running = true

	s.wg.Add(1)
	s.decodeWg.Add(1)
	go s.decodeLoop(s.ctx, frames, out)
	s.wg.Add(1)
	go s.monitorBus(s.ctx, elements)

	slog.Info("framesource: camera started",
		"device", dev.Path,
		"label", dev.Name,
	)
	return out, nil
}

// selectDevice resolves the capture device to open. Called with s.mu held.
func (s *CameraSource) selectDevice() (v4l2.Device, error) {
	if s.cfg.Device != "" {
		return v4l2.Device{Path: s.cfg.Device}, nil
	}

	devices, err := v4l2.Discover(sysfsRoot)
	if err != nil {
		return v4l2.Device{}, &CameraError{Kind: NoDevice, Op: "discover", Err: err}
	}
	if len(devices) == 0 {
		return v4l2.Device{}, &CameraError{Kind: NoDevice, Op: "discover",
			Err: fmt.Errorf("no video capture devices under %s", sysfsRoot)}
	}

	facing := v4l2.FacingEnvironment
	if s.cfg.Facing == FacingUser {
		facing = v4l2.FacingUser
	}
	dev := v4l2.Select(devices, facing)

	slog.Debug("framesource: device selected",
		"device", dev.Path,
		"label", dev.Name,
		"candidates", len(devices),
		"facing", s.cfg.Facing.String(),
	)
	return dev, nil
}

// busError carries a GStreamer bus error out of awaitStartup for
// classification.
type busError struct {
	msg   string
	debug string
}

func (e *busError) Error() string { return e.msg }

// awaitStartup watches the pipeline bus until PLAYING is reached or a device
// error is raised.
func awaitStartup(elements *v4l2.Elements) error {
	bus := elements.Pipeline.GetPipelineBus()
	deadline := time.Now().Add(startupWindow)

	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return &busError{msg: gerr.Error(), debug: gerr.DebugString()}
		case gst.MessageStateChanged:
			if msg.Source() == elements.Pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					slog.Debug("framesource: pipeline reached PLAYING")
					return nil
				}
			}
		}
	}
	return fmt.Errorf("pipeline did not reach PLAYING within %v", startupWindow)
}

// classifyError maps a GStreamer failure onto the camera error taxonomy.
func (s *CameraSource) classifyError(op, errMsg, debugStr string) *CameraError {
	kind := DeviceFailure
	switch v4l2.ClassifyMessage(errMsg, debugStr) {
	case v4l2.ClassPermission:
		kind = PermissionDenied
	case v4l2.ClassBusy:
		kind = HardwareBusy
	case v4l2.ClassNoDevice:
		kind = NoDevice
	}
	return &CameraError{Kind: kind, Op: op, Err: fmt.Errorf("%s", errMsg)}
}

// decodeLoop consumes captured frames and runs the QR reader at the
// configured cadence. Frames arriving faster than the cadence are skipped:
// the reader always works on the freshest frame available. This goroutine
// is the only sender on out; its exit gates closing the channel.
func (s *CameraSource) decodeLoop(ctx context.Context, frames <-chan v4l2.Frame, out chan<- Decode) {
	defer s.wg.Done()
	defer s.decodeWg.Done()

	decoder := newFrameDecoder()
	var lastAttempt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			now := time.Now()
			if now.Sub(lastAttempt) < s.cfg.DecodeEvery {
				continue
			}
			lastAttempt = now
			atomic.AddUint64(&s.decodeAttempts, 1)

			payload, err := decoder.decode(frame.Data, frame.Width, frame.Height)
			if err != nil {
				// No QR in frame: the overwhelmingly common case.
				atomic.AddUint64(&s.decodeMisses, 1)
				continue
			}
			atomic.AddUint64(&s.decodes, 1)

			s.lastDecodeMu.Lock()
			s.lastDecodeAt = now
			s.lastDecodeMu.Unlock()

			d := Decode{Payload: payload, At: now, Seq: frame.Seq, TraceID: frame.TraceID}
			select {
			case out <- d:
				slog.Debug("framesource: payload decoded",
					"seq", d.Seq,
					"trace_id", d.TraceID,
				)
			default:
				atomic.AddUint64(&s.framesDropped, 1)
				slog.Debug("framesource: dropping decode, consumer behind",
					"seq", d.Seq,
					"trace_id", d.TraceID,
				)
			}
		}
	}
}

// monitorBus watches the pipeline bus for fatal device errors after startup.
// Camera failures mid-run are unrecoverable for the session: the source
// tears down and closes the decode channel; Err() reports the cause.
func (s *CameraSource) monitorBus(ctx context.Context, elements *v4l2.Elements) {
	defer s.wg.Done()

	bus := elements.Pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}
			switch msg.Type() {
			case gst.MessageEOS:
				s.fail(&CameraError{Kind: DeviceFailure, Op: "capture",
					Err: fmt.Errorf("end of stream from device")})
				return
			case gst.MessageError:
				gerr := msg.ParseError()
				ce := s.classifyError("capture", gerr.Error(), gerr.DebugString())
				slog.Error("framesource: fatal device error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"kind", ce.Kind.String(),
					"device", s.device.Path,
					"uptime", time.Since(s.started),
					"frames", atomic.LoadUint64(&s.frameCount),
				)
				s.fail(ce)
				return
			}
		}
	}
}

// fail records a fatal error and tears the source down from inside the bus
// monitor goroutine. Loses the race to a concurrent Stop gracefully.
func (s *CameraSource) fail(ce *CameraError) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.fatalErr = ce
	s.cancel()
	elements := s.elements
	out := s.out
	s.elements = nil
	s.out = nil
	s.mu.Unlock()

	if err := v4l2.DestroyPipeline(elements); err != nil {
		slog.Error("framesource: pipeline teardown failed", "error", err)
	}
	cameraActive.Store(false)

	// Close only after the decode loop (the sole sender) has exited.
	go func() {
		s.decodeWg.Wait()
		close(out)
	}()
}

// Stop releases the camera synchronously and stops emission.
//
// The pipeline is driven to NULL before Stop returns, so a subsequent
// Start immediately succeeds with no hardware-busy race. Idempotent, and a
// no-op when never started.
func (s *CameraSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		slog.Debug("framesource: camera not running, nothing to stop")
		return nil
	}
	s.running = false
	s.cancel()
	elements := s.elements
	out := s.out
	s.elements = nil
	s.out = nil
	s.mu.Unlock()

	// Release the hardware first: this is the synchronous part of the
	// contract. Goroutines wind down after.
	if err := v4l2.DestroyPipeline(elements); err != nil {
		slog.Error("framesource: pipeline teardown failed", "error", err)
	}
	cameraActive.Store(false)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		// All goroutines are down, which includes the decode loop: the
		// sole sender on out.
		close(out)
	case <-time.After(stopTimeout):
		slog.Warn("framesource: stop timeout exceeded, some goroutines may still be running")
		// Close only after the decode loop has exited; closing under a
		// live sender would panic its next send.
		go func() {
			s.decodeWg.Wait()
			close(out)
		}()
	}

	slog.Info("framesource: camera stopped",
		"device", s.device.Path,
		"frames_captured", atomic.LoadUint64(&s.frameCount),
		"decodes", atomic.LoadUint64(&s.decodes),
		"uptime", time.Since(s.started),
	)
	return nil
}

// Err returns the fatal device error that terminated emission, or nil.
func (s *CameraSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Stats returns an operational snapshot. Thread-safe.
func (s *CameraSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	device := s.device.Path
	started := s.started
	s.mu.Unlock()

	s.lastDecodeMu.Lock()
	lastDecode := s.lastDecodeAt
	s.lastDecodeMu.Unlock()

	attempts := atomic.LoadUint64(&s.decodeAttempts)
	var rate float64
	if running {
		if uptime := time.Since(started).Seconds(); uptime > 0 {
			rate = float64(attempts) / uptime
		}
	}

	return SourceStats{
		FramesCaptured: atomic.LoadUint64(&s.frameCount),
		FramesDropped:  atomic.LoadUint64(&s.framesDropped),
		DecodeAttempts: attempts,
		Decodes:        atomic.LoadUint64(&s.decodes),
		DecodeMisses:   atomic.LoadUint64(&s.decodeMisses),
		ScanRate:       rate,
		Device:         device,
		Running:        running,
		LastDecodeAt:   lastDecode,
	}
}
