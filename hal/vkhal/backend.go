// Package vkhal implements the hal interfaces on top of github.com/vulkan-go/vulkan.
//
// glfw must be initialised before New is called: the loader entry point is
// taken from glfw, and surfaces are created through the glfw window.
package vkhal

import (
	"unsafe"

	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"
)

// Backend is the process wide entry point into the Vulkan loader.
type Backend struct {
	log *zap.Logger
}

// New loads Vulkan through glfw. Validation messages go to log.
func New(log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !glfw.VulkanSupported() {
		return nil, errors.New("vulkan is not supported by the glfw loader")
	}
	vk.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
	if err := vk.Init(); err != nil {
		return nil, errors.Wrap(err, "vulkan init")
	}
	return &Backend{log: log.Named("vulkan")}, nil
}

func (b *Backend) InstanceLayers() ([]string, vk.Result) {
	list, res := enumerate(func(n *uint32, out []vk.LayerProperties) vk.Result {
		return vk.EnumerateInstanceLayerProperties(n, out)
	})
	names := make([]string, 0, len(list))
	for _, layer := range list {
		layer.Deref()
		names = append(names, vk.ToString(layer.LayerName[:]))
	}
	return names, res
}

func (b *Backend) InstanceExtensions() ([]string, vk.Result) {
	list, res := enumerate(func(n *uint32, out []vk.ExtensionProperties) vk.Result {
		return vk.EnumerateInstanceExtensionProperties("", n, out)
	})
	return extensionNames(list), res
}

func extensionNames(list []vk.ExtensionProperties) []string {
	names := make([]string, 0, len(list))
	for _, ext := range list {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names
}

func (b *Backend) CreateInstance(info hal.InstanceCreateInfo) (hal.Instance, vk.Result) {
	var instance vk.Instance
	res := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			ApiVersion:         info.Application.APIVersion,
			ApplicationVersion: info.Application.Version,
			PApplicationName:   info.Application.Name + "\x00",
			EngineVersion:      info.Application.EngineVersion,
			PEngineName:        info.Application.EngineName + "\x00",
		},
		EnabledExtensionCount:   uint32(len(info.Extensions)),
		PpEnabledExtensionNames: cStrings(info.Extensions),
		EnabledLayerCount:       uint32(len(info.Layers)),
		PpEnabledLayerNames:     cStrings(info.Layers),
	}, nil, &instance)
	if res != vk.Success {
		return nil, res
	}
	if err := vk.InitInstance(instance); err != nil {
		b.log.Error("instance function table", zap.Error(err))
		vk.DestroyInstance(instance, nil)
		return nil, vk.ErrorInitializationFailed
	}
	inst := &Instance{handle: instance, log: b.log}
	if info.DebugReport {
		res = vk.CreateDebugReportCallback(instance, &vk.DebugReportCallbackCreateInfo{
			SType: vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags: vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit |
				vk.DebugReportPerformanceWarningBit),
			PfnCallback: inst.debugReport,
		}, nil, &inst.debugCallback)
		if res != vk.Success {
			vk.DestroyInstance(instance, nil)
			return nil, res
		}
		b.log.Info("debug report callback enabled")
	}
	return inst, vk.Success
}

// Instance owns the native instance and the surfaces created on it.
type Instance struct {
	handle        vk.Instance
	debugCallback vk.DebugReportCallback
	surfaces      registry[vk.Surface]
	log           *zap.Logger
}

func (i *Instance) debugReport(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType,
	object uint64, location uint, messageCode int32, pLayerPrefix string,
	pMessage string, pUserData unsafe.Pointer) vk.Bool32 {

	fields := []zap.Field{
		zap.String("layer", pLayerPrefix),
		zap.Int32("code", messageCode),
		zap.Uint64("object", object),
	}
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		i.log.Error(pMessage, fields...)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		i.log.Warn(pMessage, fields...)
	case flags&vk.DebugReportFlags(vk.DebugReportDebugBit) != 0:
		i.log.Debug(pMessage, fields...)
	default:
		i.log.Info(pMessage, fields...)
	}
	return vk.Bool32(vk.False)
}

func (i *Instance) PhysicalDevices() ([]hal.PhysicalDevice, vk.Result) {
	gpus, res := enumerate(func(n *uint32, out []vk.PhysicalDevice) vk.Result {
		return vk.EnumeratePhysicalDevices(i.handle, n, out)
	})
	if res != vk.Success && res != vk.Incomplete {
		return nil, res
	}
	out := make([]hal.PhysicalDevice, 0, len(gpus))
	for _, gpu := range gpus {
		out = append(out, newPhysicalDevice(i, gpu))
	}
	return out, vk.Success
}

type surfaceCreator interface {
	CreateWindowSurface(instance interface{}, allocCallbacks unsafe.Pointer) (uintptr, error)
}

func (i *Instance) CreateSurface(w hal.Window) (hal.Surface, vk.Result) {
	sc, ok := w.(surfaceCreator)
	if !ok {
		i.log.Error("window cannot create a vulkan surface")
		return 0, vk.ErrorExtensionNotPresent
	}
	ptr, err := sc.CreateWindowSurface(i.handle, nil)
	if err != nil {
		i.log.Error("create window surface", zap.Error(err))
		return 0, vk.ErrorInitializationFailed
	}
	return hal.Surface(i.surfaces.put(vk.SurfaceFromPointer(ptr))), vk.Success
}

func (i *Instance) DestroySurface(s hal.Surface) {
	if surface, ok := i.surfaces.take(uint64(s)); ok {
		vk.DestroySurface(i.handle, surface, nil)
	}
}

func (i *Instance) surface(s hal.Surface) vk.Surface { return i.surfaces.resolve(uint64(s)) }

func (i *Instance) Destroy() {
	if n := i.surfaces.len(); n > 0 {
		i.log.Warn("instance destroyed with live surfaces", zap.Int("surfaces", n))
	}
	if i.debugCallback != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(i.handle, i.debugCallback, nil)
	}
	vk.DestroyInstance(i.handle, nil)
}

// Window adapts a glfw window to hal.Window.
type Window struct {
	*glfw.Window
}

func (w Window) RequiredInstanceExtensions() []string {
	return w.GetRequiredInstanceExtensions()
}

func (w Window) FramebufferSize() (int, int) {
	return w.GetFramebufferSize()
}

var (
	_ hal.Backend  = (*Backend)(nil)
	_ hal.Instance = (*Instance)(nil)
	_ hal.Window   = Window{}
)
