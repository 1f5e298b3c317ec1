package video

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

// Facing selects a camera.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Flip returns the opposite camera.
func (f Facing) Flip() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// LocalTrack is an outgoing media track owned by a session.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the capture device. Safe to call repeatedly.
	Stop()
}

// MediaSource acquires local capture tracks.
type MediaSource interface {
	// Acquire opens a track of the given kind. facing is ignored for audio.
	Acquire(ctx context.Context, kind domain.MediaKind, facing Facing) (LocalTrack, error)
}

type pionTrack interface {
	LocalTrack
	TrackLocal() webrtc.TrackLocal
}

const opusFrame = 20 * time.Millisecond

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleMediaSource produces pion sample tracks without capture hardware.
// Audio carries Opus silence; video is a VP8 track with no frames. Kinds not
// enabled are refused with PermissionDenied, as a device without a granted
// camera would.
type SampleMediaSource struct {
	clock   clock.Clock
	allowed map[domain.MediaKind]bool
}

// NewSampleMediaSource allows the given kinds, or both when none are given.
func NewSampleMediaSource(clk clock.Clock, kinds ...domain.MediaKind) *SampleMediaSource {
	if clk == nil {
		clk = clock.New()
	}
	if len(kinds) == 0 {
		kinds = []domain.MediaKind{domain.MediaAudio, domain.MediaVideo}
	}
	allowed := make(map[domain.MediaKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return &SampleMediaSource{clock: clk, allowed: allowed}
}

func (s *SampleMediaSource) Acquire(ctx context.Context, kind domain.MediaKind, facing Facing) (LocalTrack, error) {
	if !kind.Valid() {
		return nil, apperrors.InvalidInputError(fmt.Sprintf("unknown media kind %q", kind))
	}
	if !s.allowed[kind] {
		return nil, apperrors.PermissionDeniedError(fmt.Sprintf("%s capture not permitted", kind))
	}

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == domain.MediaVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, "chatcall")
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &sampleTrack{
		track:  track,
		kind:   kind,
		facing: facing,
		stop:   make(chan struct{}),
		write:  track.WriteSample,
	}
	t.enabled.Store(true)
	if kind == domain.MediaAudio {
		go t.writeSilence(s.clock.Ticker(opusFrame))
	}
	logger.Debug("Acquired sample track",
		zap.String("track_id", id),
		zap.String("kind", string(kind)),
		zap.String("facing", string(facing)))
	return t, nil
}

type sampleTrack struct {
	track    *webrtc.TrackLocalStaticSample
	kind     domain.MediaKind
	facing   Facing
	enabled  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	write    func(media.Sample) error
}

func (t *sampleTrack) ID() string                    { return t.track.ID() }
func (t *sampleTrack) Kind() domain.MediaKind        { return t.kind }
func (t *sampleTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }
func (t *sampleTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *sampleTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *sampleTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// writeSilence paces Opus silence onto the track. A muted track sends nothing.
func (t *sampleTrack) writeSilence(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			// Writes before the track is bound to a sender are dropped by pion.
			if err := t.write(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				logger.Debug("Sample write failed", zap.String("track_id", t.track.ID()), zap.Error(err))
				return
			}
		}
	}
}
