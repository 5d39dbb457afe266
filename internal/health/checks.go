package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/argushq/liveintake/pkg/audio"
	"github.com/argushq/liveintake/pkg/transport"
)

// TransportConfigured reports ready when a transport provider has been built.
// It does not dial the remote endpoint; a session handshake is what proves
// the endpoint reachable.
func TransportConfigured(p transport.Provider) Checker {
	return Checker{
		Name: "transport",
		Check: func(context.Context) error {
			if p == nil {
				return errors.New("no transport provider configured")
			}
			return nil
		},
	}
}

// CaptureAvailable reports ready when the capture backend can enumerate its
// devices and reports at least one.
func CaptureAvailable(b audio.CaptureBackend) Checker {
	return Checker{
		Name: "capture",
		Check: func(ctx context.Context) error {
			if b == nil {
				return errors.New("no capture backend configured")
			}
			devices, err := b.Devices(ctx)
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			if len(devices) == 0 {
				return errors.New("no capture devices found")
			}
			return nil
		},
	}
}

// Ping wraps a connectivity probe, such as the archive's database ping.
// The check is optional: a failing ping degrades readiness.
func Ping(name string, ping func(context.Context) error) Checker {
	return Checker{Name: name, Check: ping, Optional: true}
}
