package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Driver names accepted by STORAGE_DRIVER.
const (
	DriverFilesystem = "filesystem"
	DriverS3         = "s3"
	DriverS3Direct   = "s3-direct"
)

// Params is a resolved, read-only set of driver parameters.
type Params struct {
	values map[string]string
}

// NewParams copies values into a Params.
func NewParams(values map[string]string) Params {
	return Params{values: maps.Clone(values)}
}

// Get returns the value for key or "".
func (p Params) Get(key string) string {
	return p.values[key]
}

// Bool parses key as a boolean; anything unparsable is false.
func (p Params) Bool(key string) bool {
	b, _ := strconv.ParseBool(p.values[key])
	return b
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	return slices.Sorted(maps.Keys(p.values))
}

// Registration binds a driver name to its defaults and constructor.
type Registration struct {
	Name     string
	Defaults map[string]string
	Open     func(ctx context.Context, p Params) (Driver, error)
}

// Resolve merges the driver defaults with values found by lookup. Keys that
// lookup reports as absent or empty keep their default.
func (r Registration) Resolve(lookup func(key string) (string, bool)) Params {
	values := make(map[string]string, len(r.Defaults))
	for k, def := range r.Defaults {
		values[k] = def
		if v, ok := lookup(k); ok && v != "" {
			values[k] = v
		}
	}
	return Params{values: values}
}

var registry = map[string]Registration{
	DriverFilesystem: {Name: DriverFilesystem, Defaults: filesystemDefaults, Open: openFilesystem},
	DriverS3:         {Name: DriverS3, Defaults: s3Defaults, Open: openMinio},
	DriverS3Direct:   {Name: DriverS3Direct, Defaults: s3DirectDefaults, Open: openMinioDirect},
}

// Lookup returns the registration for name.
func Lookup(name string) (Registration, error) {
	r, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Registration{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownDriver, name, strings.Join(Names(), ", "))
	}
	return r, nil
}

// Names lists registered drivers in sorted order.
func Names() []string {
	return slices.Sorted(maps.Keys(registry))
}
