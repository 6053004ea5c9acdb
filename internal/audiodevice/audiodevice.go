// Package audiodevice defines the audio routing contract for sessions.
//
// The conversation manager never touches platform audio APIs directly; it
// talks to an [Adapter] that reports the active output route and applies the
// voice-call audio mode. The static adapter here is the default used by the
// backendless reference client; platform builds plug in their own.
package audiodevice

import (
	"log/slog"
	"sync"

	"github.com/saem-app/saem/internal/bus"
)

// Device identifies an audio output route.
type Device string

const (
	DeviceSpeaker    Device = "speaker"
	DeviceBluetooth  Device = "bluetooth"
	DeviceHeadphones Device = "headphones"
	DeviceEarpiece   Device = "earpiece"
)

// IsValid reports whether d is a recognised output route.
func (d Device) IsValid() bool {
	switch d {
	case DeviceSpeaker, DeviceBluetooth, DeviceHeadphones, DeviceEarpiece:
		return true
	}
	return false
}

// Preferred returns the route to activate from the available set, in the
// fixed preference order: wired headphones, bluetooth, earpiece, speaker.
// An empty set falls back to the speaker.
func Preferred(available []Device) Device {
	for _, want := range []Device{DeviceHeadphones, DeviceBluetooth, DeviceEarpiece} {
		for _, have := range available {
			if have == want {
				return want
			}
		}
	}
	return DeviceSpeaker
}

// Adapter is the platform contract for session audio routing.
type Adapter interface {
	// Current returns the active output route.
	Current() Device

	// ConfigureForSession applies the voice-call audio mode: echo
	// cancellation, noise suppression, and automatic gain at the capture
	// side, routed per the preference order.
	ConfigureForSession() error

	// Release restores the audio mode active before ConfigureForSession.
	Release() error
}

// Static is an [Adapter] with a fixed route set, used by the reference client
// and in tests. Route changes are simulated with [Static.SetAvailable].
type Static struct {
	events *bus.Bus

	mu        sync.Mutex
	available []Device
	active    Device
}

// NewStatic creates an adapter that considers only the speaker available.
// events may be nil.
func NewStatic(events *bus.Bus) *Static {
	return &Static{
		events:    events,
		available: []Device{DeviceSpeaker},
		active:    DeviceSpeaker,
	}
}

// Current returns the active output route.
func (s *Static) Current() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ConfigureForSession re-evaluates the preferred route.
func (s *Static) ConfigureForSession() error {
	s.mu.Lock()
	s.applyPreferredLocked()
	s.mu.Unlock()
	return nil
}

// Release is a no-op for the static adapter.
func (s *Static) Release() error { return nil }

// SetAvailable replaces the available route set, switching the active route
// to the preferred one and announcing the change when it differs.
func (s *Static) SetAvailable(devices []Device) {
	s.mu.Lock()
	s.available = append([]Device(nil), devices...)
	s.applyPreferredLocked()
	s.mu.Unlock()
}

// applyPreferredLocked recomputes the active route. Must hold s.mu.
func (s *Static) applyPreferredLocked() {
	next := Preferred(s.available)
	if next == s.active {
		return
	}
	prev := s.active
	s.active = next
	slog.Info("audio output route changed", "from", string(prev), "to", string(next))
	if s.events != nil {
		s.events.Emit(bus.TopicAudioDeviceChanged, next)
	}
}

var _ Adapter = (*Static)(nil)
