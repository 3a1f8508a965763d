package relaytest

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigeonchat/callengine/internal/signaling"
)

func startRelay(t *testing.T, ringTimeout time.Duration) *httptest.Server {
	t.Helper()
	relay := NewServer(Config{
		RingTimeout: ringTimeout,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		ts.Close()
		relay.Close()
	})
	return ts
}

func dial(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?user=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg signaling.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func recv(t *testing.T, ws *websocket.Conn) signaling.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := signaling.Parse(data)
	require.NoError(t, err)
	return msg
}

func offer() *signaling.SDP {
	return &signaling.SDP{Type: "offer", SDP: "v=0\r\n"}
}

func answer() *signaling.SDP {
	return &signaling.SDP{Type: "answer", SDP: "v=0\r\n"}
}

func initiate(t *testing.T, caller, callee *websocket.Conn, target string) string {
	t.Helper()
	send(t, caller, signaling.Message{
		Type:         signaling.TypeInitiate,
		TargetUserID: target,
		CallType:     signaling.CallTypeVoice,
		SDP:          offer(),
	})
	initiated := recv(t, caller)
	require.Equal(t, signaling.TypeInitiated, initiated.Type)
	require.NotEmpty(t, initiated.CallID)

	incoming := recv(t, callee)
	require.Equal(t, signaling.TypeIncoming, incoming.Type)
	require.Equal(t, initiated.CallID, incoming.CallID)
	return initiated.CallID
}

func TestRelay_InitiateAssignsCallIDAndRingsCallee(t *testing.T) {
	ts := startRelay(t, time.Minute)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")

	send(t, alice, signaling.Message{
		Type:         signaling.TypeInitiate,
		TargetUserID: "bob",
		CallType:     signaling.CallTypeVideo,
		SDP:          offer(),
	})

	initiated := recv(t, alice)
	assert.Equal(t, signaling.TypeInitiated, initiated.Type)
	assert.NotEmpty(t, initiated.CallID)

	incoming := recv(t, bob)
	assert.Equal(t, signaling.TypeIncoming, incoming.Type)
	assert.Equal(t, initiated.CallID, incoming.CallID)
	assert.Equal(t, "alice", incoming.CallerID)
	assert.Equal(t, signaling.CallTypeVideo, incoming.CallType)
	require.NotNil(t, incoming.SDP)
	assert.Equal(t, "offer", incoming.SDP.Type)
}

func TestRelay_AcceptForwardsAnswerAndConfirms(t *testing.T) {
	ts := startRelay(t, time.Minute)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	callID := initiate(t, alice, bob, "bob")

	send(t, bob, signaling.Message{Type: signaling.TypeAccept, CallID: callID, SDP: answer()})

	accepted := recv(t, alice)
	assert.Equal(t, signaling.TypeAccepted, accepted.Type)
	assert.Equal(t, callID, accepted.CallID)
	require.NotNil(t, accepted.SDP)
	assert.Equal(t, "answer", accepted.SDP.Type)

	confirmed := recv(t, bob)
	assert.Equal(t, signaling.TypeAcceptConfirmed, confirmed.Type)
	assert.Equal(t, callID, confirmed.CallID)
}

func TestRelay_DeclineReachesCaller(t *testing.T) {
	ts := startRelay(t, time.Minute)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	callID := initiate(t, alice, bob, "bob")

	send(t, bob, signaling.Message{Type: signaling.TypeDecline, CallID: callID, Reason: "busy"})

	declined := recv(t, alice)
	assert.Equal(t, signaling.TypeDeclined, declined.Type)
	assert.Equal(t, callID, declined.CallID)
	assert.Equal(t, "busy", declined.Reason)
}

func TestRelay_HangupReachesCallee(t *testing.T) {
	ts := startRelay(t, time.Minute)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	callID := initiate(t, alice, bob, "bob")

	send(t, bob, signaling.Message{Type: signaling.TypeAccept, CallID: callID, SDP: answer()})
	recv(t, alice) // accepted
	recv(t, bob)   // accept_confirmed

	send(t, alice, signaling.Message{Type: signaling.TypeHangup, CallID: callID, Reason: "hangup"})

	ended := recv(t, bob)
	assert.Equal(t, signaling.TypeEnded, ended.Type)
	assert.Equal(t, callID, ended.CallID)
}

func TestRelay_CandidatesForwardBothWays(t *testing.T) {
	ts := startRelay(t, time.Minute)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	callID := initiate(t, alice, bob, "bob")

	cand := &signaling.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"}
	send(t, alice, signaling.Message{Type: signaling.TypeICECandidate, CallID: callID, Candidate: cand})

	got := recv(t, bob)
	assert.Equal(t, signaling.TypeICECandidate, got.Type)
	require.NotNil(t, got.Candidate)
	assert.Equal(t, cand.Candidate, got.Candidate.Candidate)
}

func TestRelay_UnansweredCallTimesOutBothEnds(t *testing.T) {
	ts := startRelay(t, 100*time.Millisecond)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	callID := initiate(t, alice, bob, "bob")

	timeoutA := recv(t, alice)
	assert.Equal(t, signaling.TypeTimeout, timeoutA.Type)
	assert.Equal(t, callID, timeoutA.CallID)

	timeoutB := recv(t, bob)
	assert.Equal(t, signaling.TypeTimeout, timeoutB.Type)
	assert.Equal(t, callID, timeoutB.CallID)
}

func TestRelay_RateLimitDropsExcessMessages(t *testing.T) {
	relay := NewServer(Config{
		RingTimeout:  time.Minute,
		MessageBurst: 2,
		MessageRate:  1,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		ts.Close()
		relay.Close()
	})

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	callID := initiate(t, alice, bob, "bob")

	cand := &signaling.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"}
	send(t, alice, signaling.Message{Type: signaling.TypeICECandidate, CallID: callID, Candidate: cand})
	send(t, alice, signaling.Message{Type: signaling.TypeICECandidate, CallID: callID, Candidate: cand})

	// The burst covered initiate plus one candidate; the second candidate
	// was dropped.
	got := recv(t, bob)
	assert.Equal(t, signaling.TypeICECandidate, got.Type)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err)
}

func TestRelay_InitiateToOfflineUserFails(t *testing.T) {
	ts := startRelay(t, time.Minute)
	alice := dial(t, ts, "alice")

	send(t, alice, signaling.Message{
		Type:         signaling.TypeInitiate,
		TargetUserID: "nobody",
		CallType:     signaling.CallTypeVoice,
		SDP:          offer(),
	})

	errMsg := recv(t, alice)
	assert.Equal(t, signaling.TypeError, errMsg.Type)
	assert.Equal(t, "user_unavailable", errMsg.Code)
}
