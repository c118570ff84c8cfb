package dieselcore

import (
	"slices"

	"github.com/andewx/dieselcore/hal"
	"github.com/cockroachdb/errors"
)

//extensionSet matches requested layer or extension names against what a
//platform level actually offers. Required names must all be present, wanted
//names are enabled only when available.
type extensionSet struct {
	level    string
	wanted   []string
	required []string
	actual   []string
}

func newExtensionSet(level string, wanted, required, actual []string) *extensionSet {
	return &extensionSet{level: level, wanted: wanted, required: required, actual: actual}
}

func (e *extensionSet) missing(names []string) []string {
	missing := []string{}
	for _, n := range names {
		if !slices.Contains(e.actual, n) {
			missing = append(missing, n)
		}
	}
	return missing
}

func (e *extensionSet) HasRequired() (bool, []string) {
	missing := e.missing(e.required)
	return len(missing) == 0, missing
}

func (e *extensionSet) HasWanted() (bool, []string) {
	missing := e.missing(e.wanted)
	return len(missing) == 0, missing
}

// Extensions returns the required names followed by the available wanted ones.
func (e *extensionSet) Extensions() []string {
	out := slices.Clone(e.required)
	for _, w := range e.wanted {
		if slices.Contains(e.actual, w) {
			out = appendUnique(out, w)
		}
	}
	return out
}

// Check reports the missing required names as an *UnsupportedExtensionError.
func (e *extensionSet) Check() error {
	if ok, missing := e.HasRequired(); !ok {
		return &UnsupportedExtensionError{Level: e.level, Names: missing}
	}
	return nil
}

func instanceLayerSet(b hal.Backend, required []string) (*extensionSet, error) {
	actual, res := b.InstanceLayers()
	if err := checkResult("vkEnumerateInstanceLayerProperties", res); err != nil {
		return nil, err
	}
	return newExtensionSet("instance layer", nil, required, actual), nil
}

func instanceExtensionSet(b hal.Backend, wanted, required []string) (*extensionSet, error) {
	actual, res := b.InstanceExtensions()
	if err := checkResult("vkEnumerateInstanceExtensionProperties", res); err != nil {
		return nil, err
	}
	return newExtensionSet("instance extension", wanted, required, actual), nil
}

// CheckSupportedExtensions returns the names in required that gpu lacks.
func CheckSupportedExtensions(gpu hal.PhysicalDevice, required []string) ([]string, error) {
	actual, res := gpu.Extensions()
	if err := checkResult("vkEnumerateDeviceExtensionProperties", res); err != nil {
		return nil, errors.Wrapf(err, "device %q", gpu.Properties().Name)
	}
	_, missing := newExtensionSet("device extension", nil, required, actual).HasRequired()
	return missing, nil
}
