// Package media owns the single outbound audio track shared by every peer
// connection in the mesh.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// FrameDuration is the pacing of the outbound pump.
const FrameDuration = 20 * time.Millisecond

// OpusCapability describes the one codec the mesh sends.
var OpusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// opusSilence is a single 20ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Device produces Opus frames, one sample per call.
type Device interface {
	ReadSample() (media.Sample, error)
	Close() error
}

// Opener acquires the capture device.
type Opener func(ctx context.Context) (Device, error)

// Source is the lazily created microphone track. A nil Opener, or an Opener
// that fails, yields a track that carries silence so connections still come
// up without audio.
type Source struct {
	open   Opener
	logger *slog.Logger

	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticSample
	silent bool
	stop   chan struct{}
	done   chan struct{}

	enabled atomic.Bool
}

func NewSource(open Opener, logger *slog.Logger) *Source {
	s := &Source{
		open:   open,
		logger: logging.Or(logger).With("component", "media"),
	}
	s.enabled.Store(true)
	return s
}

// Acquire returns the shared track, opening the device on first use. Device
// failures never surface here; the error only reports that the track itself
// could not be built.
func (s *Source) Acquire(ctx context.Context) (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.track != nil {
		return s.track, nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(OpusCapability, "audio", "huddle")
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	var dev Device
	if s.open != nil {
		dev, err = s.open(ctx)
		if err != nil {
			s.logger.Warn("microphone unavailable, sending silence", "error", err)
			dev = nil
		}
	}

	s.track = track
	s.silent = dev == nil
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.pump(track, dev, s.stop, s.done)

	return track, nil
}

// SetEnabled mutes or unmutes the microphone for every connection at once.
// No renegotiation happens: a disabled source keeps sending silence frames.
func (s *Source) SetEnabled(on bool) {
	s.enabled.Store(on)
}

func (s *Source) Enabled() bool {
	return s.enabled.Load()
}

// Silent reports whether the track runs without a capture device.
func (s *Source) Silent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track != nil && s.silent
}

// Close stops the pump and releases the device. The track stays valid but
// carries nothing afterwards.
func (s *Source) Close() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop = nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Source) pump(track *webrtc.TrackLocalStaticSample, dev Device, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	defer func() {
		if dev != nil {
			dev.Close()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		sample := media.Sample{Data: opusSilence, Duration: FrameDuration}
		if dev != nil {
			next, err := dev.ReadSample()
			switch {
			case err == nil:
				sample = next
			case errors.Is(err, io.EOF):
				s.logger.Info("microphone source ended, sending silence")
				dev.Close()
				dev = nil
			default:
				s.logger.Warn("microphone read failed, sending silence", "error", err)
				dev.Close()
				dev = nil
			}
		}

		if !s.enabled.Load() {
			sample = media.Sample{Data: opusSilence, Duration: FrameDuration}
		}

		if err := track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debug("write sample", "error", err)
		}
	}
}
