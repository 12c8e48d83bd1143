// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package detection

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamsentry/streamsentry/internal/models"
)

// NewDeviceDetector flags activity from a device ID not in the user's
// known set. Unlike the location rules it does not require a geolocated
// activity: an unknown device on a private network is still an unknown
// device.
type NewDeviceDetector struct {
	enabled bool
	mu      sync.RWMutex
}

// NewNewDeviceDetector creates the detector.
func NewNewDeviceDetector() *NewDeviceDetector {
	return &NewDeviceDetector{enabled: true}
}

// Type returns the anomaly type.
func (d *NewDeviceDetector) Type() models.AnomalyType {
	return models.AnomalyNewDevice
}

// Check evaluates the event against the new-device rule.
func (d *NewDeviceDetector) Check(_ context.Context, event *Event) (*models.AnomalyEvent, error) {
	if !d.Enabled() {
		return nil, nil
	}

	deviceID := event.Activity.DeviceID
	if deviceID == "" {
		return nil, nil
	}
	if event.Fingerprint.KnowsDevice(deviceID) {
		return nil, nil
	}

	name := event.Activity.DeviceName
	if name == "" {
		name = deviceID
	}

	return &models.AnomalyEvent{
		UserID:     event.Activity.UserID,
		ServerID:   event.Activity.ServerID,
		ActivityID: event.Activity.ID,
		Type:       models.AnomalyNewDevice,
		Severity:   models.SeverityLow,
		Details: models.AnomalyDetails{
			Description: fmt.Sprintf("First activity from device %q", name),
			NewDevice: &models.DeviceDetails{
				DeviceID:   deviceID,
				DeviceName: event.Activity.DeviceName,
				ClientName: event.Activity.ClientName,
			},
		},
	}, nil
}

// Enabled returns whether this detector is enabled.
func (d *NewDeviceDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *NewDeviceDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
