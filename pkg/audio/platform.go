// Package audio defines the device contracts of the voice pipeline.
//
// The two halves are:
//
//   - [CaptureDevice]: a microphone stream delivering float samples in
//     arbitrary-length chunks on a channel.
//   - [OutputDevice]: a speaker with its own monotonic clock on which
//     sample blocks are scheduled at absolute start times.
//
// Implementations live in sub-packages (audio/ffmpeg for real hardware,
// audio/mock for tests). Both devices run on their own goroutines; the
// pipeline only talks to them through these interfaces.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceUnavailable is returned when a capture or output device cannot
	// be acquired (no hardware, permission denied, missing helper binary).
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDeviceClosed is returned when a closed device is used.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// CaptureDevice is an open microphone.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Samples returns the channel of captured mono samples in [-1, 1] at
	// [CaptureDevice.SampleRate]. Chunk lengths are decided by the device.
	// The channel is closed after Close, or when the device stops on its own.
	Samples() <-chan []float32

	// SampleRate is the rate in Hz of every chunk on Samples.
	SampleRate() int

	// Close stops capturing and releases the device. It is safe to call more
	// than once; later calls return nil.
	Close() error
}

// CaptureBackend opens capture devices.
type CaptureBackend interface {
	// OpenCapture acquires the device described by cfg. Failures wrap
	// [ErrDeviceUnavailable]. ctx bounds the open attempt only.
	OpenCapture(ctx context.Context, cfg CaptureConfig) (CaptureDevice, error)

	// Devices lists the capture devices the backend can see.
	Devices(ctx context.Context) ([]DeviceInfo, error)
}

// OutputDevice is an open speaker with a monotonic clock that starts at zero
// when the device is opened.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// SampleRate is the rate in Hz the device plays at.
	SampleRate() int

	// CurrentTime reports the device clock.
	CurrentTime() time.Duration

	// Schedule queues samples to start playing at the device time at.
	// onEnded, if non-nil, is called once from a device goroutine after the
	// device clock has passed the end of the block. It must not block.
	Schedule(samples []float32, at time.Duration, onEnded func()) error

	// Flush cancels every scheduled block that has not finished. Their
	// onEnded callbacks are not called.
	Flush()

	// Close stops the device. Pending onEnded callbacks are not called.
	// Safe to call more than once.
	Close() error
}

// OutputBackend opens output devices.
type OutputBackend interface {
	// OpenOutput acquires a speaker playing at sampleRate Hz. Failures wrap
	// [ErrDeviceUnavailable].
	OpenOutput(ctx context.Context, sampleRate int) (OutputDevice, error)
}
