package negotiator

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigeonchat/callengine/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNegotiator(t *testing.T, cfg Config) (*Negotiator, *metrics.Metrics) {
	t.Helper()
	api, err := NewAPI(APIConfig{}, testLogger())
	require.NoError(t, err)
	m := metrics.New()
	n, err := New(api, cfg, testLogger(), m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n, m
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNegotiator_LocalCandidatesQueueUntilFlush(t *testing.T) {
	n, m := newTestNegotiator(t, Config{})
	require.NoError(t, n.AddRecvOnlyTransceivers(false))

	_, err := n.CreateOffer(false)
	require.NoError(t, err)

	// Host candidates gather quickly on loopback.
	waitUntil(t, 5*time.Second, func() bool {
		return m.Get(metrics.CandidatesQueuedLocal) > 0
	})

	var sent []webrtc.ICECandidateInit
	flushed := n.FlushLocal(func(c webrtc.ICECandidateInit) { sent = append(sent, c) })
	assert.Greater(t, flushed, 0)
	assert.Len(t, sent, flushed)

	// Second flush is a no-op.
	again := n.FlushLocal(func(c webrtc.ICECandidateInit) { t.Error("unexpected re-flush") })
	assert.Zero(t, again)
}

// TestNegotiator_FlushOrdersQueuedBeforeConcurrentCandidates pins the flush
// ordering: a candidate generated while the queue is draining must be emitted
// after every queued one, not interleaved ahead of them.
func TestNegotiator_FlushOrdersQueuedBeforeConcurrentCandidates(t *testing.T) {
	n, _ := newTestNegotiator(t, Config{})

	n.handleLocalCandidate(candidate(0))
	n.handleLocalCandidate(candidate(1))

	var mu sync.Mutex
	var sent []string
	firstSend := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	send := func(c webrtc.ICECandidateInit) {
		once.Do(func() {
			close(firstSend)
			<-release
		})
		mu.Lock()
		sent = append(sent, c.Candidate)
		mu.Unlock()
	}

	flushDone := make(chan struct{})
	go func() {
		n.FlushLocal(send)
		close(flushDone)
	}()
	<-firstSend

	// The drain is now stalled mid-flush; a fresh candidate takes the
	// direct-send path and must wait its turn.
	lateDone := make(chan struct{})
	go func() {
		n.handleLocalCandidate(candidate(2))
		close(lateDone)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for _, ch := range []chan struct{}{flushDone, lateDone} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("flush or late candidate never completed")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 3)
	assert.Equal(t, []string{candidate(0).Candidate, candidate(1).Candidate, candidate(2).Candidate}, sent)
}

// TestNegotiator_IceRestartOfferAnswerRoundTrip walks a stable pair through an
// ICE restart: the offerer re-offers with new credentials, the answerer
// applies it as a renegotiation, and the answer comes back while the offerer
// holds a pending local offer.
func TestNegotiator_IceRestartOfferAnswerRoundTrip(t *testing.T) {
	offerer, _ := newTestNegotiator(t, Config{})
	answerer, _ := newTestNegotiator(t, Config{})

	require.NoError(t, offerer.AddRecvOnlyTransceivers(false))
	offer, err := offerer.CreateOffer(false)
	require.NoError(t, err)
	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetRemoteDescription(answer))

	restart, err := offerer.CreateOffer(true)
	require.NoError(t, err)
	require.NoError(t, answerer.SetRemoteDescription(restart))
	restartAnswer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetRemoteDescription(restartAnswer))

	// A stale duplicate answer with no offer outstanding is rejected.
	assert.ErrorIs(t, offerer.SetRemoteDescription(restartAnswer), ErrRemoteAlreadySet)
}

func TestNegotiator_RemoteCandidatesQueueUntilRemoteDescription(t *testing.T) {
	offerer, _ := newTestNegotiator(t, Config{})
	require.NoError(t, offerer.AddRecvOnlyTransceivers(true))
	offer, err := offerer.CreateOffer(false)
	require.NoError(t, err)

	answerer, m := newTestNegotiator(t, Config{RedrainDelay: 20 * time.Millisecond})

	answerer.AddRemoteCandidate(candidate(0))
	answerer.AddRemoteCandidate(candidate(1))
	assert.Equal(t, 2, answerer.PendingRemote())
	assert.Equal(t, uint64(2), m.Get(metrics.CandidatesQueuedRemote))
	assert.False(t, answerer.RemoteDescriptionSet())

	require.NoError(t, answerer.SetRemoteDescription(offer))
	assert.True(t, answerer.RemoteDescriptionSet())
	assert.Equal(t, 0, answerer.PendingRemote())
	assert.Equal(t, uint64(2), m.Get(metrics.CandidatesAppliedRemote))

	// Once the remote description is set candidates apply directly.
	answerer.AddRemoteCandidate(candidate(2))
	assert.Equal(t, uint64(3), m.Get(metrics.CandidatesAppliedRemote))
}

func TestNegotiator_EmptyCandidateIsDiscarded(t *testing.T) {
	n, m := newTestNegotiator(t, Config{})

	n.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: ""})
	n.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "   "})

	assert.Equal(t, 0, n.PendingRemote())
	assert.Equal(t, uint64(2), m.Get(metrics.CandidatesDropped))
}

func TestNegotiator_CreateAnswerRequiresRemoteOffer(t *testing.T) {
	n, _ := newTestNegotiator(t, Config{})
	_, err := n.CreateAnswer()
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestNegotiator_CloseIsIdempotent(t *testing.T) {
	n, _ := newTestNegotiator(t, Config{})
	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())

	// Post-close operations are rejected or ignored, never panic.
	n.AddRemoteCandidate(candidate(0))
	assert.Equal(t, 0, n.PendingRemote())
	assert.ErrorIs(t, n.SetRemoteDescription(webrtc.SessionDescription{}), ErrClosed)
	assert.Zero(t, n.FlushLocal(func(webrtc.ICECandidateInit) {}))
}

func TestNegotiator_MuteReplacesTrackWithoutRenegotiation(t *testing.T) {
	n, _ := newTestNegotiator(t, Config{})

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	require.NoError(t, err)
	sender, err := n.AddTrack(track)
	require.NoError(t, err)

	require.NoError(t, n.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false))
	assert.Nil(t, sender.Track())

	// Disabling twice stays muted and keeps the original for restore.
	require.NoError(t, n.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false))

	require.NoError(t, n.SetTrackEnabled(webrtc.RTPCodecTypeAudio, true))
	assert.Equal(t, webrtc.TrackLocal(track), sender.Track())
}

func TestNegotiator_ReplaceVideoTrack(t *testing.T) {
	n, _ := newTestNegotiator(t, Config{})

	front, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cam-front")
	require.NoError(t, err)
	sender, err := n.AddTrack(front)
	require.NoError(t, err)

	back, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cam-back")
	require.NoError(t, err)

	require.NoError(t, n.ReplaceVideoTrack(back))
	assert.Equal(t, webrtc.TrackLocal(back), sender.Track())

	// Switching while muted updates the restore target instead.
	require.NoError(t, n.SetTrackEnabled(webrtc.RTPCodecTypeVideo, false))
	require.NoError(t, n.ReplaceVideoTrack(front))
	require.NoError(t, n.SetTrackEnabled(webrtc.RTPCodecTypeVideo, true))
	assert.Equal(t, webrtc.TrackLocal(front), sender.Track())
}

func TestNegotiator_ReplaceVideoTrackWithoutSender(t *testing.T) {
	n, _ := newTestNegotiator(t, Config{})
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cam")
	require.NoError(t, err)
	assert.ErrorIs(t, n.ReplaceVideoTrack(track), ErrNoVideoSender)
}

// TestNegotiator_VNetOfferAnswerConnects drives a full offer/answer exchange
// with trickled candidates between two negotiators over an in-memory network.
func TestNegotiator_VNetOfferAnswerConnects(t *testing.T) {
	wan, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "0.0.0.0/0",
		LoggerFactory: &slogLoggerFactory{logger: testLogger()},
	})
	require.NoError(t, err)

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	require.NoError(t, wan.AddNet(netA))
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)
	require.NoError(t, wan.AddNet(netB))

	require.NoError(t, wan.Start())
	t.Cleanup(func() { _ = wan.Stop() })

	newPeer := func(n transport.Net) *Negotiator {
		api, err := NewAPI(APIConfig{Net: n}, testLogger())
		require.NoError(t, err)
		neg, err := New(api, Config{RedrainDelay: 20 * time.Millisecond}, testLogger(), metrics.New())
		require.NoError(t, err)
		t.Cleanup(func() { _ = neg.Close() })
		return neg
	}

	caller := newPeer(netA)
	callee := newPeer(netB)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	require.NoError(t, err)
	_, err = caller.AddTrack(track)
	require.NoError(t, err)
	require.NoError(t, callee.AddRecvOnlyTransceivers(false))

	callerConnected := make(chan struct{})
	caller.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if s == webrtc.ICEConnectionStateConnected {
			select {
			case <-callerConnected:
			default:
				close(callerConnected)
			}
		}
	})

	gotTrack := make(chan struct{})
	callee.OnRemoteTrack(func(*webrtc.TrackRemote) {
		select {
		case <-gotTrack:
		default:
			close(gotTrack)
		}
	})

	offer, err := caller.CreateOffer(false)
	require.NoError(t, err)
	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(answer))

	// Trickle both directions.
	caller.FlushLocal(callee.AddRemoteCandidate)
	callee.FlushLocal(caller.AddRemoteCandidate)

	select {
	case <-callerConnected:
	case <-time.After(10 * time.Second):
		t.Fatal("caller never reached ICE connected")
	}

	// Push a sample so the remote track fires.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0x00}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	select {
	case <-gotTrack:
	case <-time.After(10 * time.Second):
		t.Fatal("callee never received remote track")
	}
}
