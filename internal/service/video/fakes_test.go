package video

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	apperrors "chatcall-backend/pkg/errors"
)

// MockConversations is a mock implementation of ConversationReader
type MockConversations struct {
	mock.Mock
}

func (m *MockConversations) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyUser(ctx context.Context, userID, title, body string, data map[string]string) error {
	args := m.Called(ctx, userID, title, body, data)
	return args.Error(0)
}

// MockProfiles is a mock implementation of ProfileReader
type MockProfiles struct {
	mock.Mock
}

func (m *MockProfiles) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserProfile), args.Error(1)
}

// MockArchive is a mock implementation of Archive
type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) ArchiveCall(ctx context.Context, rec *domain.CallRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// fakePeer connects once it has a remote description and at least one
// remote candidate. Adding a candidate before the remote description is
// an error, as in a real peer connection.
type fakePeer struct {
	name string

	mu       sync.Mutex
	local    *domain.SessionDescription
	remote   *domain.SessionDescription
	added    []string
	early    int
	tracks   []LocalTrack
	replaced []LocalTrack
	offers   int
	answers  int
	closed   int
	streamed bool
	onCand   func(domain.ICECandidate)
	onStream func()
	onFailed func()
}

func (p *fakePeer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	p.offers++
	desc := domain.SessionDescription{Type: "offer", SDP: "v=0 offer " + p.name}
	p.local = &desc
	p.mu.Unlock()
	p.gather()
	return desc, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	if p.remote == nil || p.remote.Type != "offer" {
		p.mu.Unlock()
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	p.answers++
	desc := domain.SessionDescription{Type: "answer", SDP: "v=0 answer " + p.name}
	p.local = &desc
	p.mu.Unlock()
	p.gather()
	return desc, nil
}

// gather emits two candidates in order from another goroutine.
func (p *fakePeer) gather() {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	if fn == nil {
		return
	}
	go func() {
		for i := 0; i < 2; i++ {
			fn(domain.ICECandidate{Candidate: fmt.Sprintf("%s-%d", p.name, i)})
		}
	}()
}

func (p *fakePeer) SetRemoteDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	if p.remote == nil {
		p.early++
		p.mu.Unlock()
		return errors.New("remote description not set")
	}
	p.added = append(p.added, c.Candidate)
	fire := !p.streamed
	p.streamed = true
	fn := p.onStream
	p.mu.Unlock()
	if fire && fn != nil {
		go fn()
	}
	return nil
}

func (p *fakePeer) AddTrack(track LocalTrack) (TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return &fakeSender{peer: p}, nil
}

func (p *fakePeer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteStream(fn func()) {
	p.mu.Lock()
	p.onStream = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnFailed(fn func()) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) fail() {
	p.mu.Lock()
	fn := p.onFailed
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *fakePeer) candidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.added...)
}

func (p *fakePeer) stats() (offers, answers, closed, early int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.answers, p.closed, p.early
}

func (p *fakePeer) replacements() []LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LocalTrack(nil), p.replaced...)
}

type fakeSender struct {
	peer *fakePeer
}

func (s *fakeSender) ReplaceTrack(track LocalTrack) error {
	s.peer.mu.Lock()
	defer s.peer.mu.Unlock()
	s.peer.replaced = append(s.peer.replaced, track)
	return nil
}

type fakePeers struct {
	name  string
	mu    sync.Mutex
	peers []*fakePeer
}

func newFakePeers(name string) *fakePeers {
	return &fakePeers{name: name}
}

func (f *fakePeers) NewPeer(ctx context.Context) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{name: f.name}
	f.peers = append(f.peers, p)
	return p, nil
}

// peer returns the only peer created so far, or nil.
func (f *fakePeers) peer() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[0]
}

type fakeTrack struct {
	id      string
	kind    domain.MediaKind
	facing  Facing
	enabled atomic.Bool
	stops   atomic.Int32
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind  { return t.kind }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *fakeTrack) Enabled() bool           { return t.enabled.Load() }
func (t *fakeTrack) Stop()                   { t.stops.Add(1) }

type fakeMedia struct {
	mu     sync.Mutex
	deny   map[domain.MediaKind]bool
	tracks []*fakeTrack
}

func newFakeMedia(deny ...domain.MediaKind) *fakeMedia {
	m := &fakeMedia{deny: map[domain.MediaKind]bool{}}
	for _, k := range deny {
		m.deny[k] = true
	}
	return m
}

func (m *fakeMedia) Acquire(ctx context.Context, kind domain.MediaKind, facing Facing) (LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny[kind] {
		return nil, apperrors.PermissionDeniedError(string(kind) + " denied")
	}
	t := &fakeTrack{id: fmt.Sprintf("%s-%d", kind, len(m.tracks)), kind: kind, facing: facing}
	t.enabled.Store(true)
	m.tracks = append(m.tracks, t)
	return t, nil
}

func (m *fakeMedia) all() []*fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeTrack(nil), m.tracks...)
}

// callEnv wires a call service over an in-memory store. x and y are the two
// members of conversation "c1"; "solo" has x alone.
type callEnv struct {
	clock         *clock.Mock
	store         *signaling.MemoryStore
	x             signaling.Channel
	y             signaling.Channel
	conversations *MockConversations
	svc           *Service
}

func newCallEnv(t *testing.T, opts Options) *callEnv {
	t.Helper()
	clk := clock.NewMock()
	store := signaling.NewMemoryStore(clk)
	env := &callEnv{
		clock:         clk,
		store:         store,
		x:             store.Connect(),
		y:             store.Connect(),
		conversations: new(MockConversations),
	}
	env.conversations.On("GetConversation", mock.Anything, "c1").
		Return(&domain.Conversation{ConversationID: "c1", Participants: []string{"x", "y"}}, nil).Maybe()
	env.conversations.On("GetConversation", mock.Anything, "solo").
		Return(&domain.Conversation{ConversationID: "solo", Participants: []string{"x"}}, nil).Maybe()
	env.conversations.On("GetConversation", mock.Anything, "gone").
		Return(nil, apperrors.NotFoundError("Conversation")).Maybe()

	opts.Conversations = env.conversations
	opts.Clock = clk
	env.svc = NewService(env.x, opts)
	t.Cleanup(func() {
		env.svc.Close()
		env.x.Close()
		env.y.Close()
	})
	return env
}

func (e *callEnv) record(t *testing.T, callID string) *domain.CallRecord {
	t.Helper()
	rec, err := getCall(context.Background(), e.x, callID)
	require.NoError(t, err)
	return rec
}

// party is one endpoint of a call under test.
type party struct {
	session *Session
	peers   *fakePeers
	media   *fakeMedia
}

func (e *callEnv) open(t *testing.T, ch signaling.Channel, callID, userID string, media *fakeMedia) *party {
	t.Helper()
	p := &party{peers: newFakePeers(userID), media: media}
	sess, err := OpenSession(context.Background(), ch, callID, userID, SessionOptions{
		Peers: p.peers,
		Media: p.media,
		Clock: e.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	p.session = sess
	return p
}
