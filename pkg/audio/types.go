package audio

// CaptureConfig selects and configures a capture device.
type CaptureConfig struct {
	// Device is the backend-specific device identifier. Empty selects the
	// system default.
	Device string

	// SampleRate is the rate in Hz the device should deliver.
	SampleRate int
}

// DeviceInfo describes one capture device reported by a backend.
type DeviceInfo struct {
	// ID is the identifier to put into [CaptureConfig.Device].
	ID string

	// Name is a human-readable description.
	Name string

	// Default marks the system default device.
	Default bool
}
