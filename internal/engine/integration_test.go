package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/vnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigeonchat/callengine/internal/metrics"
	"github.com/pigeonchat/callengine/internal/relaytest"
	"github.com/pigeonchat/callengine/internal/signaling"
)

type testPeer struct {
	engine *Engine
	events <-chan Event
	source *fakeSource
}

func (p *testPeer) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

// startCluster brings up the relay and two engines whose ICE runs over an
// in-memory WAN.
func startCluster(t *testing.T, ringTimeout time.Duration) (alice, bob *testPeer) {
	t.Helper()

	relay := relaytest.NewServer(relaytest.Config{RingTimeout: ringTimeout, Logger: testLogger()})
	ts := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		ts.Close()
		relay.Close()
	})

	wan, err := vnet.NewRouter(&vnet.RouterConfig{CIDR: "0.0.0.0/0"})
	require.NoError(t, err)
	require.NoError(t, wan.Start())
	t.Cleanup(func() { _ = wan.Stop() })

	newPeer := func(user, ip string) *testPeer {
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		require.NoError(t, err)
		require.NoError(t, wan.AddNet(nw))
		return startPeer(t, ts, user, nw)
	}

	return newPeer("alice", "10.0.0.1"), newPeer("bob", "10.0.0.2")
}

func startPeer(t *testing.T, ts *httptest.Server, user string, nw transport.Net) *testPeer {
	t.Helper()

	client := signaling.NewClient(signaling.ClientConfig{
		URL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		UserID: user,
	}, testLogger(), metrics.New())
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Close)

	source := &fakeSource{}
	e, err := New(Config{
		CandidateRedrainDelay: 20 * time.Millisecond,
		Net:                   nw,
	}, client, source, testLogger(), metrics.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	events, cancel := e.Subscribe()
	t.Cleanup(cancel)
	return &testPeer{engine: e, events: events, source: source}
}

func TestIntegration_FullCallReachesActiveBothEnds(t *testing.T) {
	alice, bob := startCluster(t, time.Minute)

	require.NoError(t, alice.engine.StartCall("bob"))

	incoming := bob.waitEvent(t, EventIncomingCall)
	assert.Equal(t, "alice", incoming.CallerID)
	assert.Equal(t, signaling.CallTypeVoice, incoming.CallType)
	assert.Equal(t, StateRinging, bob.engine.State().State)

	require.NoError(t, bob.engine.AnswerCall())

	waitState(t, alice.engine, StateActive)
	waitState(t, bob.engine, StateActive)
	assert.Equal(t, alice.engine.State().CallID, bob.engine.State().CallID)

	require.NoError(t, alice.engine.HangupCall())

	ended := bob.waitEvent(t, EventCallEnded)
	assert.Equal(t, EndReasonHangup, ended.Reason)
	waitState(t, alice.engine, StateIdle)
	waitState(t, bob.engine, StateIdle)
}

func TestIntegration_DeclineReturnsBothEndsToIdle(t *testing.T) {
	alice, bob := startCluster(t, time.Minute)

	require.NoError(t, alice.engine.StartVideoCall("bob", "front"))
	bob.waitEvent(t, EventIncomingCall)

	require.NoError(t, bob.engine.DeclineCall("busy"))

	ended := alice.waitEvent(t, EventCallEnded)
	assert.Equal(t, EndReasonDeclined, ended.Reason)
	waitState(t, alice.engine, StateIdle)
	waitState(t, bob.engine, StateIdle)

	// The callee never touched the microphone.
	assert.Zero(t, bob.source.acquireCount())
}

func TestIntegration_RingTimeoutEndsBothEnds(t *testing.T) {
	alice, bob := startCluster(t, 300*time.Millisecond)

	require.NoError(t, alice.engine.StartCall("bob"))
	bob.waitEvent(t, EventIncomingCall)

	endedA := alice.waitEvent(t, EventCallEnded)
	assert.Equal(t, EndReasonTimeout, endedA.Reason)
	endedB := bob.waitEvent(t, EventCallEnded)
	assert.Equal(t, EndReasonTimeout, endedB.Reason)

	waitState(t, alice.engine, StateIdle)
	waitState(t, bob.engine, StateIdle)
}

func TestIntegration_CallToOfflineUserFails(t *testing.T) {
	alice, _ := startCluster(t, time.Minute)

	require.NoError(t, alice.engine.StartCall("nobody"))

	ev := alice.waitEvent(t, EventError)
	require.NotNil(t, ev.Err)
	assert.Equal(t, ErrorCode("user_unavailable"), ev.Err.Code)
	waitState(t, alice.engine, StateIdle)
}
