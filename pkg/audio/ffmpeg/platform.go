package ffmpeg

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/argushq/liveintake/pkg/audio"
)

// platform describes how ffmpeg reaches the microphone on one OS.
type platform struct {
	// inputFormat is the ffmpeg demuxer for the capture device
	// (e.g. "pulse", "avfoundation", "dshow").
	inputFormat string

	// defaultDevice is used when no device is configured.
	defaultDevice string

	// devicePrefix is prepended to device IDs (e.g. "audio=" for DirectShow).
	devicePrefix string

	// listArgs are the ffmpeg arguments that print the device list.
	listArgs []string

	// startMarker and stopMarker bound the audio section of the listing.
	startMarker string
	stopMarker  string

	// pattern extracts one device from a listing line.
	pattern *regexp.Regexp

	// parse converts pattern matches to a device.
	parse func(m []string) *audio.DeviceInfo
}

var platforms = map[string]platform{
	"linux": {
		inputFormat:   "pulse",
		defaultDevice: "default",
		listArgs:      []string{"-hide_banner", "-sources", "pulse"},
		pattern:       regexp.MustCompile(`^\s*(\*?)\s*(\S+)\s+\[([^\]]+)\]`),
		parse: func(m []string) *audio.DeviceInfo {
			return &audio.DeviceInfo{ID: m[2], Name: m[3], Default: m[1] == "*"}
		},
	},
	"darwin": {
		inputFormat:   "avfoundation",
		defaultDevice: ":0",
		listArgs:      []string{"-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""},
		startMarker:   "AVFoundation audio devices:",
		stopMarker:    "AVFoundation video devices:",
		pattern:       regexp.MustCompile(`\[AVFoundation[^\]]*\]\s*\[(\d+)\]\s*(.+)`),
		parse: func(m []string) *audio.DeviceInfo {
			return &audio.DeviceInfo{ID: ":" + m[1], Name: strings.TrimSpace(m[2]), Default: m[1] == "0"}
		},
	},
	"windows": {
		inputFormat:  "dshow",
		devicePrefix: "audio=",
		listArgs:     []string{"-hide_banner", "-list_devices", "true", "-f", "dshow", "-i", "dummy"},
		pattern:      regexp.MustCompile(`\[dshow[^\]]*\]\s*"([^"]+)"\s*\(audio\)`),
		parse: func(m []string) *audio.DeviceInfo {
			return &audio.DeviceInfo{ID: m[1], Name: m[1]}
		},
	},
}

func platformFor(goos string) (platform, error) {
	p, ok := platforms[goos]
	if !ok {
		return platform{}, fmt.Errorf("%w: ffmpeg capture is not implemented for %s", audio.ErrDeviceUnavailable, goos)
	}
	return p, nil
}

// captureArgs returns the ffmpeg arguments that stream mono 32-bit float
// samples at rate Hz from device to stdout.
func (p platform) captureArgs(inputFormat, device string, rate int) []string {
	if inputFormat == "" {
		inputFormat = p.inputFormat
	}
	if device == "" {
		device = p.defaultDevice
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", inputFormat, "-i", p.devicePrefix + device,
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-f", "f32le", "-",
	}
}

// playerArgs returns the ffplay arguments that play mono s16le PCM at rate Hz
// from stdin.
func playerArgs(rate int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-fflags", "nobuffer",
		"-f", "s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

// parseDevices extracts capture devices from a device listing.
func (p platform) parseDevices(output string) []audio.DeviceInfo {
	var devices []audio.DeviceInfo
	inSection := p.startMarker == ""
	for line := range strings.SplitSeq(output, "\n") {
		if p.startMarker != "" && strings.Contains(line, p.startMarker) {
			inSection = true
			continue
		}
		if p.stopMarker != "" && strings.Contains(line, p.stopMarker) {
			inSection = false
			continue
		}
		if !inSection || strings.Contains(line, "Alternative name") {
			continue
		}
		if m := p.pattern.FindStringSubmatch(line); m != nil {
			if d := p.parse(m); d != nil {
				devices = append(devices, *d)
			}
		}
	}
	return devices
}
