package cdm

import (
	"fmt"

	"github.com/devatadev/gokeyward/internal/drm"
)

// Source resolves the device to negotiate with for a service. Supplied
// externally by the device-loading collaborator and read-only to the engine.
type Source interface {
	Device(service, profile string, system drm.System) (Device, error)
}

type mappingKey struct {
	service string
	profile string
	system  drm.System
}

// Mapping is a Source backed by a fixed table. Populate it during startup;
// it is read-only afterwards and therefore safe for concurrent lookups.
type Mapping struct {
	entries map[mappingKey]Device
}

func NewMapping() *Mapping {
	return &Mapping{entries: make(map[mappingKey]Device)}
}

// Register binds a device to (service, profile). Pass an empty profile for
// the service-wide default.
func (m *Mapping) Register(service, profile string, dev Device) {
	m.entries[mappingKey{service: service, profile: profile, system: dev.System()}] = dev
}

// Device returns the device for (service, profile, system), falling back to
// the service default profile.
func (m *Mapping) Device(service, profile string, system drm.System) (Device, error) {
	if dev, ok := m.entries[mappingKey{service, profile, system}]; ok {
		return dev, nil
	}
	if profile != "" {
		if dev, ok := m.entries[mappingKey{service, "", system}]; ok {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no %s device for service %s: %w", system, service, ErrDeviceUnavailable)
}
