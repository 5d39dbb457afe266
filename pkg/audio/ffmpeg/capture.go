// Package ffmpeg implements the audio device contracts on top of the ffmpeg
// and ffplay command-line tools. Capture runs ffmpeg reading the platform's
// default input (PulseAudio, AVFoundation or DirectShow) and emitting raw
// float samples; playback pipes 16-bit PCM into ffplay.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"runtime"
	"sync"

	"github.com/argushq/liveintake/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureBackend = (*Backend)(nil)
	_ audio.OutputBackend  = (*Backend)(nil)
	_ audio.CaptureDevice  = (*captureDevice)(nil)
)

const (
	// chunkSamples is how many samples the reader hands over at a time.
	chunkSamples = 512

	// chunkBuffer is the capacity of a capture device's sample channel.
	chunkBuffer = 64
)

// Option configures a [Backend].
type Option func(*Backend)

// WithFFmpegPath overrides the ffmpeg executable (default "ffmpeg" on PATH).
func WithFFmpegPath(path string) Option {
	return func(b *Backend) { b.ffmpegPath = path }
}

// WithFFplayPath overrides the ffplay executable (default "ffplay" on PATH).
func WithFFplayPath(path string) Option {
	return func(b *Backend) { b.ffplayPath = path }
}

// WithInputFormat overrides the ffmpeg input demuxer used for capture
// (e.g. "alsa" instead of "pulse").
func WithInputFormat(format string) Option {
	return func(b *Backend) { b.inputFormat = format }
}

// Backend opens ffmpeg capture devices and ffplay output devices.
type Backend struct {
	ffmpegPath  string
	ffplayPath  string
	inputFormat string
	goos        string
}

// New returns a Backend for the running OS.
func New(opts ...Option) *Backend {
	b := &Backend{
		ffmpegPath: "ffmpeg",
		ffplayPath: "ffplay",
		goos:       runtime.GOOS,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OpenCapture implements [audio.CaptureBackend]. It starts ffmpeg and returns
// once the process is running; the first chunks arrive shortly after.
func (b *Backend) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid capture sample rate %d", cfg.SampleRate)
	}
	p, err := platformFor(b.goos)
	if err != nil {
		return nil, err
	}
	bin, err := exec.LookPath(b.ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg is required for capture: %v", audio.ErrDeviceUnavailable, err)
	}

	cmd := exec.Command(bin, p.captureArgs(b.inputFormat, cfg.Device, cfg.SampleRate)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg capture: %v", audio.ErrDeviceUnavailable, err)
	}

	d := &captureDevice{
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		rate:    cfg.SampleRate,
		samples: make(chan []float32, chunkBuffer),
		done:    make(chan struct{}),
	}
	d.readerDone.Add(1)
	go d.readLoop()
	slog.Debug("ffmpeg: capture started", "device", cfg.Device, "sample_rate", cfg.SampleRate, "pid", cmd.Process.Pid)
	return d, nil
}

// Devices implements [audio.CaptureBackend] by parsing ffmpeg's device
// listing. When nothing can be parsed the platform default is reported.
func (b *Backend) Devices(ctx context.Context) ([]audio.DeviceInfo, error) {
	p, err := platformFor(b.goos)
	if err != nil {
		return nil, err
	}
	bin, err := exec.LookPath(b.ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg is required to list devices: %v", audio.ErrDeviceUnavailable, err)
	}
	// Listing commands exit non-zero by design (no output file), so only an
	// empty listing counts as failure.
	out, runErr := exec.CommandContext(ctx, bin, p.listArgs...).CombinedOutput()
	devices := p.parseDevices(string(out))
	if len(devices) == 0 {
		if runErr != nil && len(out) == 0 {
			slog.Warn("ffmpeg: failed to list audio devices", "err", runErr)
		}
		if p.defaultDevice != "" {
			devices = []audio.DeviceInfo{{ID: p.defaultDevice, Name: "System default", Default: true}}
		}
	}
	return devices, nil
}

// captureDevice is a running ffmpeg capture process.
type captureDevice struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *syncBuffer
	rate    int
	samples chan []float32
	done    chan struct{} // closed by Close

	closeOnce  sync.Once
	readerDone sync.WaitGroup
	warnDrop   sync.Once
}

func (d *captureDevice) Samples() <-chan []float32 { return d.samples }

func (d *captureDevice) SampleRate() int { return d.rate }

func (d *captureDevice) readLoop() {
	defer d.readerDone.Done()
	defer close(d.samples)

	buf := make([]byte, chunkSamples*4)
	for {
		n, err := io.ReadFull(d.stdout, buf)
		if n >= 4 {
			chunk := decodeF32LE(buf[:n-n%4])
			select {
			case d.samples <- chunk:
			case <-d.done:
				return
			default:
				d.warnDrop.Do(func() {
					slog.Warn("ffmpeg: capture consumer is slow, dropping chunks", "chunk_samples", len(chunk))
				})
			}
		}
		if err != nil {
			select {
			case <-d.done:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Warn("ffmpeg: capture read failed", "err", err)
				} else {
					slog.Warn("ffmpeg: capture process ended", "stderr", d.stderr.String())
				}
			}
			return
		}
	}
}

// Close kills the ffmpeg process and waits for the reader to finish.
func (d *captureDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		d.readerDone.Wait()
		_ = d.cmd.Wait()
	})
	return nil
}

// decodeF32LE converts little-endian IEEE-754 float32 bytes to samples.
func decodeF32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// syncBuffer collects a child process's stderr.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 4096 {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
