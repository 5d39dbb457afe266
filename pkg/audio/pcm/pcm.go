// Package pcm converts between floating-point audio samples, 16-bit signed
// little-endian PCM and the base64 wire encoding used by streaming speech
// endpoints.
//
// Functions in this package hold no state and do no I/O. A round trip through
// [SamplesToPCM16] and [PCM16ToSamples] reproduces each sample within one
// quantization step.
package pcm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// BytesPerSample is the size of one mono 16-bit PCM sample.
const BytesPerSample = 2

// QuantizationStep is the largest difference a round trip may introduce per
// sample.
const QuantizationStep = 1.0 / 32767.0

var (
	// ErrMalformedFrame is returned when a PCM frame does not contain a whole
	// number of 16-bit samples.
	ErrMalformedFrame = errors.New("pcm: malformed frame")

	// ErrInvalidEncoding is returned when wire text is not valid base64.
	ErrInvalidEncoding = errors.New("pcm: invalid encoding")
)

// WireFrame is the text-safe form of a PCM frame. It carries no metadata
// besides the MIME tag (e.g. "audio/pcm;rate=16000").
type WireFrame struct {
	MIMEType string
	Data     string
}

// SamplesToPCM16 clamps each sample to [-1, 1], scales it to the signed
// 16-bit range, rounds to the nearest integer and writes it little-endian.
// The result is always exactly BytesPerSample*len(samples) bytes long.
func SamplesToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		var q int16
		if v < 0 {
			q = int16(math.Round(v * 32768))
		} else {
			q = int16(math.Round(v * 32767))
		}
		out[i*2] = byte(q)
		out[i*2+1] = byte(uint16(q) >> 8)
	}
	return out
}

// PCM16ToSamples is the inverse of [SamplesToPCM16]. It fails with
// [ErrMalformedFrame] when len(frame) is odd.
func PCM16ToSamples(frame []byte) ([]float32, error) {
	if len(frame)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of samples", ErrMalformedFrame, len(frame))
	}
	out := make([]float32, len(frame)/BytesPerSample)
	for i := range out {
		q := int16(uint16(frame[i*2]) | uint16(frame[i*2+1])<<8)
		if q < 0 {
			out[i] = float32(float64(q) / 32768)
		} else {
			out[i] = float32(float64(q) / 32767)
		}
	}
	return out, nil
}

// EncodeWire wraps a PCM frame captured at rate Hz into a [WireFrame].
func EncodeWire(frame []byte, rate int) WireFrame {
	return WireFrame{
		MIMEType: MIMEType(rate),
		Data:     base64.StdEncoding.EncodeToString(frame),
	}
}

// DecodeWire decodes the base64 text of a [WireFrame] back into PCM bytes.
// Non-conforming input fails with [ErrInvalidEncoding].
func DecodeWire(text string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}

// MIMEType returns the MIME descriptor for mono 16-bit PCM at rate Hz.
func MIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseRate extracts the rate parameter from a MIME descriptor such as
// "audio/pcm;rate=24000". If the descriptor has no rate parameter, def is
// returned. A rate parameter that is present but not a positive integer is an
// error.
func ParseRate(mime string, def int) (int, error) {
	for _, param := range strings.Split(mime, ";")[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rate") {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || rate <= 0 {
			return 0, fmt.Errorf("pcm: invalid rate in %q", mime)
		}
		return rate, nil
	}
	return def, nil
}

// Duration returns the playback length of a PCM frame of frameBytes bytes at
// rate Hz.
func Duration(frameBytes, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return SamplesDuration(frameBytes/BytesPerSample, rate)
}

// SamplesDuration returns the playback length of n samples at rate Hz.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
