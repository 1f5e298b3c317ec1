package video

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Role is the local party's side of a call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

const (
	eventRing    = "ring"
	eventAccept  = "accept"
	eventConnect = "connect"
	eventEnd     = "end"
)

// ProfileReader resolves public user profiles.
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Peers    PeerFactory
	Media    MediaSource
	Profiles ProfileReader
	Clock    clock.Clock
	// Tick is the duration refresh interval.
	Tick    time.Duration
	Facing  Facing
	Metrics *metrics.Metrics
}

// Session drives one endpoint of a call: it negotiates the peer connection
// through the call record, tracks the local state machine and owns the
// peer connection and local tracks until the call ends.
//
// All negotiation state is owned by a single loop goroutine. Public methods
// hand work to that loop.
type Session struct {
	callID  string
	userID  string
	role    Role
	kind    domain.MediaKind
	ch      signaling.Channel
	peers   PeerFactory
	media   MediaSource
	clock   clock.Clock
	tick    time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
	machine *fsm.FSM

	// Loop-owned.
	record        *domain.CallRecord
	pc            PeerConnection
	audio         LocalTrack
	video         LocalTrack
	videoSender   TrackSender
	facing        Facing
	negotiating   bool
	remoteSet     bool
	remoteLive    bool
	pendingRemote []domain.ICECandidate
	seenRemote    map[int64]struct{}
	recordSub     *signaling.Subscription[signaling.Snapshot]
	candSub       *signaling.Subscription[signaling.Item]
	ticker        *clock.Ticker
	connectedAt   time.Time

	// Peer callbacks run on pion goroutines and must never block.
	qmu          sync.Mutex
	localQueue   []domain.ICECandidate
	localReady   chan struct{}
	remoteStream chan struct{}
	peerFailed   chan struct{}

	cmds   chan func()
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       domain.CallState
	err         error
	watchers    map[int]chan struct{}
	nextWatcher int

	releaseOnce sync.Once
}

// OpenSession attaches userID to an existing call and starts negotiating.
// The caller publishes its offer right away; the callee waits until the call
// is accepted. The session runs until the call ends or Close is called.
func OpenSession(ctx context.Context, ch signaling.Channel, callID, userID string, opts SessionOptions) (*Session, error) {
	if opts.Peers == nil || opts.Media == nil {
		return nil, apperrors.ValidationError("peer factory and media source are required")
	}
	rec, err := getCall(ctx, ch, callID)
	if err != nil {
		return nil, err
	}
	if !rec.IsParticipant(userID) {
		return nil, apperrors.PermissionDeniedError("not a participant of this call")
	}
	if rec.Status.Terminal() {
		return nil, apperrors.CallEndedError()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Tick <= 0 {
		opts.Tick = constants.DurationTick
	}
	if opts.Facing == "" {
		opts.Facing = FacingUser
	}

	role := RoleCallee
	if rec.CallerID == userID {
		role = RoleCaller
	}
	remoteID := rec.RemoteParty(userID)
	remote := &domain.UserProfile{UserID: remoteID}
	if opts.Profiles != nil {
		if p, err := opts.Profiles.GetProfile(ctx, remoteID); err == nil {
			remote = p
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	recordSub, err := ch.Subscribe(runCtx, CallPath(callID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch call: %w", err)
	}

	s := &Session{
		callID:       callID,
		userID:       userID,
		role:         role,
		kind:         rec.Type,
		ch:           ch,
		peers:        opts.Peers,
		media:        opts.Media,
		clock:        opts.Clock,
		tick:         opts.Tick,
		metrics:      opts.Metrics,
		facing:       opts.Facing,
		seenRemote:   map[int64]struct{}{},
		recordSub:    recordSub,
		localReady:   make(chan struct{}, 1),
		remoteStream: make(chan struct{}, 1),
		peerFailed:   make(chan struct{}, 1),
		cmds:         make(chan func()),
		cancel:       cancel,
		done:         make(chan struct{}),
		watchers:     map[int]chan struct{}{},
		state: domain.CallState{
			Status:     domain.CallIdle,
			Type:       rec.Type,
			Duration:   domain.EmptyDuration,
			RemoteUser: remote,
		},
		log: logger.Named("call").With(
			zap.String("call_id", callID),
			zap.String("user_id", userID),
			zap.String("role", string(role))),
	}
	s.machine = newCallFSM(s.onEnterState)
	if s.metrics != nil {
		s.metrics.SessionStarted()
	}

	go s.run(runCtx)
	return s, nil
}

func newCallFSM(enter func(dst string)) *fsm.FSM {
	idle := string(domain.CallIdle)
	ringing := string(domain.CallRinging)
	connecting := string(domain.CallConnecting)
	connected := string(domain.CallConnected)
	ended := string(domain.CallEnded)

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventRing, Src: []string{idle}, Dst: ringing},
			{Name: eventAccept, Src: []string{idle, ringing}, Dst: connecting},
			{Name: eventConnect, Src: []string{connecting}, Dst: connected},
			{Name: eventEnd, Src: []string{idle, ringing, connecting, connected}, Dst: ended},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				enter(e.Dst)
			},
		},
	)
}

func (s *Session) CallID() string { return s.callID }
func (s *Session) Role() Role     { return s.role }

// Done is closed once the session ended and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current rendering state.
func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session failed, or nil for a normal end.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Watch streams the rendering state. Intermediate states may be coalesced;
// the stream always ends with the ended state.
func (s *Session) Watch() *signaling.Subscription[domain.CallState] {
	nudges := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = nudges
	s.mu.Unlock()

	feed := signaling.NewFeed[domain.CallState](func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	})
	go func() {
		defer feed.Close()
		var last domain.CallState
		first := true
		for {
			st := s.State()
			if first || st != last {
				if !feed.Send(st) {
					return
				}
				last, first = st, false
			}
			if st.Status == domain.CallEnded {
				return
			}
			select {
			case <-nudges:
			case <-feed.Done():
				return
			}
		}
	}()
	return feed.Subscription()
}

// Hangup ends the call for both parties. Calling it on an ended session is a no-op.
func (s *Session) Hangup(ctx context.Context) error {
	var endErr error
	err := s.do(ctx, func() {
		_, endErr = endCall(ctx, s.ch, s.callID, callEnd{At: s.clock.Now(), Reason: domain.EndReasonHangup})
		s.terminate()
	})
	if errors.Is(err, apperrors.ErrCallEnded) {
		return nil
	}
	if err != nil {
		return err
	}
	return endErr
}

// SwitchCamera replaces the outgoing video track with the other camera
// without renegotiating. A failed acquisition keeps the current camera.
func (s *Session) SwitchCamera(ctx context.Context) error {
	var result error
	err := s.do(ctx, func() {
		if s.video == nil || s.videoSender == nil {
			result = apperrors.ValidationError("call has no video track")
			return
		}
		facing := s.facing.Flip()
		track, err := s.media.Acquire(ctx, domain.MediaVideo, facing)
		if err != nil {
			result = apperrors.MediaAcquisitionError(err)
			return
		}
		track.SetEnabled(s.video.Enabled())
		if err := s.videoSender.ReplaceTrack(track); err != nil {
			track.Stop()
			result = fmt.Errorf("failed to replace video track: %w", err)
			return
		}
		s.video.Stop()
		s.video = track
		s.facing = facing
		s.log.Info("Switched camera", zap.String("facing", string(facing)))
	})
	if err != nil {
		return err
	}
	return result
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	var result error
	err := s.do(ctx, func() {
		if s.audio == nil {
			result = apperrors.ValidationError("microphone not acquired")
			return
		}
		s.audio.SetEnabled(!s.audio.Enabled())
		muted = !s.audio.Enabled()
	})
	if err != nil {
		return false, err
	}
	return muted, result
}

// ToggleVideo flips the camera and reports whether it is now sending.
func (s *Session) ToggleVideo(ctx context.Context) (bool, error) {
	var enabled bool
	var result error
	err := s.do(ctx, func() {
		if s.video == nil {
			result = apperrors.ValidationError("call has no video track")
			return
		}
		s.video.SetEnabled(!s.video.Enabled())
		enabled = s.video.Enabled()
	})
	if err != nil {
		return false, err
	}
	return enabled, result
}

// Close releases the session without touching the call record, as a process
// going away would. The other party observes the end through the record
// or presence. Safe to call repeatedly.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// do runs fn on the loop goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.done:
		return apperrors.CallEndedError()
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.release()

	for {
		var candC <-chan signaling.Item
		if s.candSub != nil {
			candC = s.candSub.Updates()
		}
		var tickC <-chan time.Time
		if s.ticker != nil {
			tickC = s.ticker.C
		}

		select {
		case snap, ok := <-s.recordSub.Updates():
			if !ok {
				s.log.Warn("Call watch stopped")
				s.terminate()
				break
			}
			s.onRecord(ctx, snap)
		case item, ok := <-candC:
			if !ok {
				s.candSub = nil
				break
			}
			s.onRemoteCandidate(item)
		case <-s.localReady:
			s.publishCandidates(ctx)
		case <-s.remoteStream:
			s.remoteLive = true
			s.maybeConnect(ctx)
		case <-s.peerFailed:
			s.log.Warn("Peer connection failed")
			s.fail(ctx, domain.EndReasonFailed, errors.New("peer connection failed"), false)
		case <-tickC:
			s.setState(func(st *domain.CallState) {
				st.Duration = domain.FormatDuration(s.clock.Since(s.connectedAt))
			})
		case fn := <-s.cmds:
			fn()
		case <-ctx.Done():
			s.terminate()
		}

		if s.current() == domain.CallEnded {
			return
		}
	}
}

func (s *Session) onRecord(ctx context.Context, snap signaling.Snapshot) {
	if !snap.Exists {
		s.log.Info("Call record removed")
		s.terminate()
		return
	}
	rec, err := decodeCall(snap)
	if err != nil {
		s.log.Warn("Ignoring undecodable call record", zap.Error(err))
		return
	}
	s.record = rec

	switch rec.Status {
	case domain.CallEnded:
		s.log.Info("Call ended", zap.String("end_reason", rec.EndReason))
		s.terminate()
		return
	case domain.CallRinging:
		if s.current() == domain.CallIdle {
			s.fire(ctx, eventRing)
		}
	case domain.CallConnecting, domain.CallConnected:
		if cur := s.current(); cur == domain.CallIdle || cur == domain.CallRinging {
			s.fire(ctx, eventAccept)
		}
	}

	if !s.negotiating && s.shouldNegotiate() {
		s.negotiating = true
		if !s.beginNegotiation(ctx) {
			return
		}
	}
	s.applyRemoteDescription(ctx)
	s.maybeConnect(ctx)
}

func (s *Session) shouldNegotiate() bool {
	switch s.current() {
	case domain.CallConnecting, domain.CallConnected:
		return true
	case domain.CallRinging:
		return s.role == RoleCaller
	}
	return false
}

// beginNegotiation acquires local media, creates the peer connection and
// starts listening for the remote party's candidates. The caller also
// publishes its offer. It reports whether the session is still alive.
func (s *Session) beginNegotiation(ctx context.Context) bool {
	audio, err := s.media.Acquire(ctx, domain.MediaAudio, "")
	if err != nil {
		s.fail(ctx, domain.EndReasonFailed, apperrors.MediaAcquisitionError(err), true)
		return false
	}
	s.audio = audio
	if s.kind == domain.MediaVideo {
		video, err := s.media.Acquire(ctx, domain.MediaVideo, s.facing)
		if err != nil {
			s.fail(ctx, domain.EndReasonFailed, apperrors.MediaAcquisitionError(err), true)
			return false
		}
		s.video = video
	}

	pc, err := s.peers.NewPeer(ctx)
	if err != nil {
		s.fail(ctx, domain.EndReasonFailed, err, false)
		return false
	}
	s.pc = pc
	pc.OnICECandidate(s.queueCandidate)
	pc.OnRemoteStream(func() { signal(s.remoteStream) })
	pc.OnFailed(func() { signal(s.peerFailed) })

	if _, err := pc.AddTrack(s.audio); err != nil {
		s.fail(ctx, domain.EndReasonFailed, err, false)
		return false
	}
	if s.video != nil {
		sender, err := pc.AddTrack(s.video)
		if err != nil {
			s.fail(ctx, domain.EndReasonFailed, err, false)
			return false
		}
		s.videoSender = sender
	}

	remotePath := OfferCandidatesPath(s.callID)
	if s.role == RoleCaller {
		remotePath = AnswerCandidatesPath(s.callID)
	}
	candSub, err := s.ch.SubscribeList(ctx, remotePath)
	if err != nil {
		s.fail(ctx, domain.EndReasonFailed, fmt.Errorf("failed to watch candidates: %w", err), false)
		return false
	}
	s.candSub = candSub

	if s.role == RoleCaller {
		offer, err := pc.CreateOffer(ctx)
		if err != nil {
			s.fail(ctx, domain.EndReasonFailed, err, false)
			return false
		}
		if !s.publishDescription(ctx, "offer", offer) {
			return false
		}
	}
	s.log.Info("Negotiation started", zap.String("call_type", string(s.kind)))
	return true
}

// applyRemoteDescription feeds the other side's description into the peer
// connection once it is present, answering if we are the callee.
func (s *Session) applyRemoteDescription(ctx context.Context) {
	if s.pc == nil || s.remoteSet || s.record == nil {
		return
	}
	switch s.role {
	case RoleCaller:
		if s.record.Answer == nil {
			return
		}
		if err := s.pc.SetRemoteDescription(*s.record.Answer); err != nil {
			s.fail(ctx, domain.EndReasonFailed, fmt.Errorf("failed to apply answer: %w", err), false)
			return
		}
	case RoleCallee:
		if s.record.Offer == nil {
			return
		}
		if err := s.pc.SetRemoteDescription(*s.record.Offer); err != nil {
			s.fail(ctx, domain.EndReasonFailed, fmt.Errorf("failed to apply offer: %w", err), false)
			return
		}
		answer, err := s.pc.CreateAnswer(ctx)
		if err != nil {
			s.fail(ctx, domain.EndReasonFailed, err, false)
			return
		}
		if !s.publishDescription(ctx, "answer", answer) {
			return
		}
	}

	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range pending {
		s.addRemoteCandidate(c)
	}
}

// publishDescription writes the offer or answer unless the call already ended.
func (s *Session) publishDescription(ctx context.Context, field string, desc domain.SessionDescription) bool {
	err := s.ch.Update(ctx, CallPath(s.callID), map[string]any{field: desc},
		signaling.FieldNotEquals("status", domain.CallEnded))
	switch {
	case errors.Is(err, signaling.ErrNotFound), errors.Is(err, signaling.ErrConditionFailed):
		s.terminate()
		return false
	case err != nil:
		s.fail(ctx, domain.EndReasonFailed, fmt.Errorf("failed to publish %s: %w", field, err), false)
		return false
	}
	return true
}

func (s *Session) onRemoteCandidate(item signaling.Item) {
	if _, dup := s.seenRemote[item.Index]; dup {
		return
	}
	s.seenRemote[item.Index] = struct{}{}

	var c domain.ICECandidate
	if err := item.Decode(&c); err != nil {
		s.log.Warn("Ignoring undecodable candidate", zap.Int64("index", item.Index), zap.Error(err))
		return
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, c)
		return
	}
	s.addRemoteCandidate(c)
}

func (s *Session) addRemoteCandidate(c domain.ICECandidate) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn("Failed to add remote candidate", zap.String("candidate", c.Candidate), zap.Error(err))
	}
}

func (s *Session) queueCandidate(c domain.ICECandidate) {
	s.qmu.Lock()
	s.localQueue = append(s.localQueue, c)
	s.qmu.Unlock()
	signal(s.localReady)
}

// publishCandidates appends queued local candidates in gathering order.
func (s *Session) publishCandidates(ctx context.Context) {
	s.qmu.Lock()
	queue := s.localQueue
	s.localQueue = nil
	s.qmu.Unlock()

	path := OfferCandidatesPath(s.callID)
	if s.role == RoleCallee {
		path = AnswerCandidatesPath(s.callID)
	}
	for _, c := range queue {
		if err := s.ch.Append(ctx, path, c); err != nil {
			s.log.Warn("Failed to publish candidate", zap.Error(err))
		}
	}
}

// maybeConnect moves to connected once remote media flows on an accepted call.
func (s *Session) maybeConnect(ctx context.Context) {
	if !s.remoteLive || s.current() != domain.CallConnecting {
		return
	}
	s.connectedAt = s.clock.Now()
	s.ticker = s.clock.Ticker(s.tick)
	s.fire(ctx, eventConnect)
	if s.metrics != nil {
		s.metrics.RecordCall(string(s.kind), string(domain.CallConnected))
	}

	if s.role == RoleCallee {
		err := s.ch.Update(ctx, CallPath(s.callID),
			map[string]any{"status": domain.CallConnected},
			signaling.FieldEquals("status", domain.CallConnecting))
		if err != nil && !errors.Is(err, signaling.ErrConditionFailed) && !errors.Is(err, signaling.ErrNotFound) {
			s.log.Warn("Failed to mark call connected", zap.Error(err))
		}
	}
}

// fail ends the call record with reason and ends the session locally.
func (s *Session) fail(ctx context.Context, reason string, cause error, clearAnswered bool) {
	s.log.Warn("Call failed", zap.String("end_reason", reason), zap.Error(cause))
	s.mu.Lock()
	if s.err == nil {
		s.err = cause
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordCallFailure(string(s.kind), reason)
	}

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultTimeout)
	defer cancel()
	if _, err := endCall(endCtx, s.ch, s.callID, callEnd{
		At:            s.clock.Now(),
		Reason:        reason,
		ClearAnswered: clearAnswered,
	}); err != nil {
		s.log.Error("Failed to end failed call", zap.Error(err))
	}
	s.terminate()
}

// terminate moves the local state machine to ended. Resources are released
// when the loop exits.
func (s *Session) terminate() {
	if s.current() != domain.CallEnded {
		s.fire(context.Background(), eventEnd)
	}
}

func (s *Session) fire(ctx context.Context, event string) {
	if err := s.machine.Event(ctx, event); err != nil {
		s.log.Debug("Ignored call event", zap.String("event", event), zap.Error(err))
	}
}

func (s *Session) current() domain.CallStatus {
	return domain.CallStatus(s.machine.Current())
}

func (s *Session) onEnterState(dst string) {
	s.log.Debug("Call state changed", zap.String("status", dst))
	s.setState(func(st *domain.CallState) {
		st.Status = domain.CallStatus(dst)
		if st.Status == domain.CallConnected {
			st.Duration = domain.EmptyDuration
		}
	})
}

func (s *Session) setState(fn func(*domain.CallState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	for _, w := range s.watchers {
		signal(w)
	}
}

// release frees the peer connection, local tracks and subscriptions. Every
// exit path of the loop runs it; it is safe to call repeatedly.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
		if s.candSub != nil {
			s.candSub.Cancel()
		}
		s.recordSub.Cancel()
		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				s.log.Warn("Failed to close peer connection", zap.Error(err))
			}
		}
		if s.audio != nil {
			s.audio.Stop()
		}
		if s.video != nil {
			s.video.Stop()
		}
		s.cancel()
		if s.metrics != nil {
			s.metrics.SessionEnded()
			if !s.connectedAt.IsZero() {
				s.metrics.RecordCallDuration(string(s.kind), s.clock.Since(s.connectedAt))
			}
		}
		s.log.Info("Call resources released")
	})
}

// signal performs a non-blocking send on a capacity-one channel.
func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
