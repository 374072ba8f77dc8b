package config

import (
	"fmt"
	"time"

	"github.com/devatadev/gokeyward/internal/cdm"
)

// BuildDevices loads every configured device and returns the service/system
// mapping injected into the resolver. Local bundles are read from disk here,
// once, at startup.
func (c *Config) BuildDevices() (*cdm.Mapping, error) {
	mapping := cdm.NewMapping()
	for _, rec := range c.Devices {
		dev, err := buildDevice(rec)
		if err != nil {
			return nil, fmt.Errorf("device for %s: %w", rec.Service, err)
		}
		mapping.Register(rec.Service, rec.Profile, dev)
	}
	return mapping, nil
}

func buildDevice(rec Device) (cdm.Device, error) {
	if rec.WVD != "" {
		return cdm.LoadLocal(rec.WVD)
	}
	r := rec.Remote
	return cdm.NewRemote(cdm.RemoteConfig{
		Name:          r.Name,
		Host:          r.Host,
		Secret:        r.Secret,
		DeviceName:    r.DeviceName,
		DeviceType:    r.DeviceType,
		SystemID:      r.SystemID,
		SecurityLevel: r.SecurityLevel,
		Timeout:       time.Duration(r.TimeoutSeconds) * time.Second,
	})
}
