package negotiator

import (
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func candidate(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.1 %d typ host", i, 50000+i)}
}

func TestCandidateQueue_DrainPreservesOrder(t *testing.T) {
	q := newCandidateQueue(8)
	for i := 0; i < 5; i++ {
		assert.True(t, q.Enqueue(candidate(i)))
	}
	assert.Equal(t, 5, q.Len())

	drained := q.Drain()
	assert.Len(t, drained, 5)
	for i, c := range drained {
		assert.Equal(t, candidate(i).Candidate, c.Candidate)
	}
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestCandidateQueue_DropsWhenFull(t *testing.T) {
	q := newCandidateQueue(2)
	assert.True(t, q.Enqueue(candidate(0)))
	assert.True(t, q.Enqueue(candidate(1)))
	assert.False(t, q.Enqueue(candidate(2)))
	assert.Equal(t, uint64(1), q.DropCount())

	// Draining frees capacity again.
	q.Drain()
	assert.True(t, q.Enqueue(candidate(3)))
}

func TestCandidateQueue_CloseRejectsAndEmpties(t *testing.T) {
	q := newCandidateQueue(4)
	q.Enqueue(candidate(0))
	q.Close()

	assert.False(t, q.Enqueue(candidate(1)))
	assert.Empty(t, q.Drain())
	assert.Equal(t, 0, q.Len())
}
