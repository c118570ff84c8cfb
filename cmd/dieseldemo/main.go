// Command dieseldemo opens a window, brings up a dieselcore session on the
// best GPU and presents frames until the window is closed.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/andewx/dieselcore"
	"github.com/andewx/dieselcore/hal"
	"github.com/andewx/dieselcore/hal/vkhal"
	"github.com/andewx/dieselcore/internal/config"
	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"
)

func init() {
	// glfw calls must stay on the main thread.
	runtime.LockOSThread()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dieseldemo: %+v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func serveMetrics(ctx context.Context, log *zap.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server stopped", zap.Error(err))
	}
}

func run(args []string) error {
	cfg, err := config.Load(config.NewFlagSet("dieseldemo"), args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	dieselcore.SetLogger(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, log, cfg.Metrics.Listen, reg)
	}

	if err := glfw.Init(); err != nil {
		return errors.Wrap(err, "glfw init")
	}
	defer glfw.Terminate()
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	window, err := glfw.CreateWindow(cfg.Window.Width, cfg.Window.Height, cfg.Window.Title, nil, nil)
	if err != nil {
		return errors.Wrap(err, "create window")
	}
	defer window.Destroy()

	backend, err := vkhal.New(log)
	if err != nil {
		return err
	}
	app, err := cfg.Application()
	if err != nil {
		return err
	}
	opts := cfg.Options()
	opts.Registerer = reg

	session, err := dieselcore.Bootstrap(backend, app, cfg.Setup(), vkhal.Window{Window: window}, opts)
	if err != nil {
		return err
	}
	core := session.Core
	defer core.Release()

	presenter := session.NewWindowed()
	defer presenter.Destroy()
	window.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		log.Debug("framebuffer resized", zap.Int("width", width), zap.Int("height", height))
		presenter.Invalidate()
	})

	frames, err := dieselcore.NewFrameSync(core, 0)
	if err != nil {
		return err
	}
	defer frames.Destroy()

	ring, err := dieselcore.NewCommandRing(core, core.GraphicsQueueFamily(), frames.Len())
	if err != nil {
		return err
	}
	defer ring.Destroy()

	start := time.Now()
	var n int
	for !window.ShouldClose() {
		if cfg.Frames.Limit > 0 && n >= cfg.Frames.Limit {
			break
		}
		glfw.PollEvents()
		err := drawFrame(core, frames, ring, presenter)
		switch {
		case errors.Is(err, dieselcore.ErrSurfaceUnavailable):
			// minimised; block until something changes
			glfw.WaitEvents()
			continue
		case errors.Is(err, dieselcore.ErrSwapchainOutOfDate):
			// still resizing; the next acquire rebuilds
			log.Debug("swapchain out of date", zap.Error(err))
			continue
		case err != nil:
			return err
		}
		n++
	}
	elapsed := time.Since(start)
	log.Info("frame loop finished",
		zap.Int("frames", n),
		zap.Duration("elapsed", elapsed),
		zap.Float64("fps", float64(n)/elapsed.Seconds()))
	return nil
}

// drawFrame moves the next swapchain image to the present layout and shows it.
func drawFrame(core *dieselcore.Core, frames *dieselcore.FrameSync, ring *dieselcore.CommandRing, presenter *dieselcore.Windowed) error {
	frame, err := frames.NextFrame()
	if err != nil {
		return err
	}
	img, err := presenter.Acquire(frame)
	if err != nil {
		return err
	}
	cmd, err := ring.Begin(frame.Index())
	if err != nil {
		return err
	}
	dev := core.Device()
	if err := hal.Check("vkBeginCommandBuffer", dev.RecordPresentTransition(cmd, img.Image)); err != nil {
		return err
	}
	err = frame.Submit(core.GraphicsQueue(), hal.SubmitInfo{
		WaitSemaphores: []hal.Semaphore{img.Available},
		WaitStages:     []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
		CommandBuffers: []hal.CommandBuffer{cmd},
	})
	if err != nil {
		return err
	}
	return presenter.Present(frame, img)
}
