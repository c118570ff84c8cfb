package dieselcore

import (
	"slices"

	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Session is what Bootstrap brings up.
type Session struct {
	Core     *Core
	Surface  hal.Surface
	Hardware HardwareSelection
	Window   hal.Window
}

// NewWindowed hands the surface to a Windowed presenter.
func (s *Session) NewWindowed() *Windowed {
	return NewWindowed(s.Core, s.Surface, s.Hardware, s.Window)
}

// Bootstrap brings up a windowed session: instance, presentation surface,
// hardware selection, logical device and queues, allocator and finally the
// Core. The surface belongs to the caller, who normally hands it to
// NewWindowed. On failure everything created so far is destroyed.
func Bootstrap(backend hal.Backend, app ApplicationInfo, setup Setup, window hal.Window, opts Options) (_ *Session, err error) {
	if window == nil {
		return nil, errors.AssertionFailedf("dieselcore: Bootstrap without a window")
	}
	setup = setup.Resolve()
	log := Logger()

	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	layers, err := instanceLayerSet(backend, setup.InstanceLayers)
	if err != nil {
		return nil, err
	}
	if err = layers.Check(); err != nil {
		return nil, err
	}
	required := appendUnique(slices.Clone(window.RequiredInstanceExtensions()), setup.InstanceExtensions...)
	var wanted []string
	if setup.Validation {
		wanted = []string{DebugReportExtension}
	}
	exts, err := instanceExtensionSet(backend, wanted, required)
	if err != nil {
		return nil, err
	}
	if err = exts.Check(); err != nil {
		return nil, err
	}
	if ok, missing := exts.HasWanted(); !ok {
		log.Warn("optional instance extensions unavailable", zap.Strings("missing", missing))
	}

	enabled := exts.Extensions()
	inst, res := backend.CreateInstance(hal.InstanceCreateInfo{
		Application: app,
		Layers:      layers.Extensions(),
		Extensions:  enabled,
		DebugReport: setup.Validation && slices.Contains(enabled, DebugReportExtension),
	})
	if err = checkResult("vkCreateInstance", res); err != nil {
		return nil, err
	}
	undo = append(undo, inst.Destroy)
	log.Info("instance created",
		zap.String("application", app.Name),
		zap.Strings("layers", layers.Extensions()),
		zap.Strings("extensions", enabled))

	surface, res := inst.CreateSurface(window)
	if err = checkResult("vkCreateSurfaceKHR", res); err != nil {
		return nil, err
	}
	undo = append(undo, func() { inst.DestroySurface(surface) })

	hw, err := QueryHardware(inst, surface, setup.DeviceExtensions)
	if err != nil {
		return nil, err
	}

	dev, res := hw.PhysicalDevice.CreateDevice(hal.DeviceCreateInfo{
		QueueFamilies: hw.QueueFamilies(),
		Layers:        setup.DeviceLayers,
		Extensions:    setup.DeviceExtensions,
	})
	if err = checkResult("vkCreateDevice", res); err != nil {
		return nil, errors.Wrapf(err, "device %q", hw.Properties.Name)
	}
	undo = append(undo, dev.Destroy)

	core, err := NewCore(inst, hw, dev, opts)
	if err != nil {
		return nil, err
	}
	return &Session{Core: core, Surface: surface, Hardware: hw, Window: window}, nil
}
