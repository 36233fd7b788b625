package emitter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/eegstream/internal/emitter"
	"github.com/srg/eegstream/internal/link"
	"github.com/srg/eegstream/internal/packet"
	"github.com/srg/eegstream/internal/peripheral/sim"
	"github.com/srg/eegstream/internal/sample"
	"github.com/srg/eegstream/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	links   *link.Holder
	machine *session.Machine
	emitter *emitter.Emitter
	peer    *sim.Link
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	h := &link.Holder{}
	ctrl := link.NewController(h, logger)
	m := session.NewMachine(h, ctrl, logger)
	return &rig{
		links:   h,
		machine: m,
		emitter: emitter.New(m, sample.New(0), h, logger),
		peer:    sim.NewLink("C0:FF:EE:00:00:01"),
	}
}

func TestTick_IdleWritesNothing(t *testing.T) {
	r := newRig(t)

	for i := 0; i < 10; i++ {
		assert.False(t, r.emitter.Tick())
	}
	r.machine.LinkEstablished(r.peer)
	for i := 0; i < 10; i++ {
		assert.False(t, r.emitter.Tick(), "connected but not streaming MUST NOT emit")
	}

	assert.Zero(t, r.peer.WriteCalls())
	assert.Equal(t, int64(20), r.emitter.Stats().IdleTicks)
	assert.Equal(t, byte(0), r.emitter.Sequence(), "idle ticks MUST NOT consume sequence numbers")
}

func TestSessionScenario(t *testing.T) {
	// GOAL: Walk a full connect/stream/stop/disconnect cycle through the real machine
	//
	// TEST SCENARIO: link up -> idle tick -> 'b' -> one packet seq 0 -> 's' -> silence -> link lost
	r := newRig(t)

	r.machine.LinkEstablished(r.peer)
	r.emitter.Tick()
	require.Zero(t, r.peer.WriteCalls())

	r.machine.Receive([]byte("b"))
	require.True(t, r.emitter.Tick())

	writes := r.peer.Writes()
	require.Len(t, writes, 1)
	pkt, err := packet.Parse(writes[0])
	require.NoError(t, err)
	assert.Equal(t, byte(0), pkt.Seq, "first packet MUST carry sequence 0")
	assert.Equal(t, sample.High, pkt.Frames[0][0])
	assert.Equal(t, sample.Low, pkt.Frames[0][4])

	r.machine.Receive([]byte("s"))
	for i := 0; i < 5; i++ {
		r.emitter.Tick()
	}
	assert.Len(t, r.peer.Writes(), 1, "stop MUST silence the emitter")
	assert.Equal(t, link.Idle, r.machine.State().Profile())

	r.machine.Receive([]byte("b"))
	r.emitter.Tick()
	r.machine.LinkLost()
	r.emitter.Tick()

	assert.Len(t, r.peer.Writes(), 2)
	assert.Equal(t, session.Boot, r.machine.State())
}

func TestTick_SequenceWrapsOnce(t *testing.T) {
	r := newRig(t)
	r.machine.LinkEstablished(r.peer)
	r.machine.Command('b')

	for i := 0; i < 300; i++ {
		require.True(t, r.emitter.Tick())
	}

	writes := r.peer.Writes()
	require.Len(t, writes, 300)
	wraps := 0
	for i := 1; i < len(writes); i++ {
		prev, cur := writes[i-1][1], writes[i][1]
		require.Equal(t, prev+1, cur, "sequence MUST increase by one (packet %d)", i)
		if prev == 255 && cur == 0 {
			wraps++
		}
	}
	assert.Equal(t, 1, wraps, "sequence MUST wrap from 255 to 0 exactly once")
	assert.Equal(t, byte(300%256), r.emitter.Sequence())
}

func TestTick_PacketsAreWellFormed(t *testing.T) {
	r := newRig(t)
	r.machine.LinkEstablished(r.peer)
	r.machine.Command('b')

	for i := 0; i < 60; i++ {
		r.emitter.Tick()
	}

	for i, w := range r.peer.Writes() {
		require.Len(t, w, packet.Size)
		pkt, err := packet.Parse(w)
		require.NoError(t, err, "packet %d", i)
		for f := 0; f < packet.FramesPerPacket; f++ {
			for ch := 0; ch < 4; ch++ {
				assert.Equal(t, -pkt.Frames[f][ch], pkt.Frames[f][ch+4])
			}
		}
	}
}

func TestTick_SequencePersistsAcrossReconnect(t *testing.T) {
	r := newRig(t)
	r.machine.LinkEstablished(r.peer)
	r.machine.Command('b')
	for i := 0; i < 3; i++ {
		r.emitter.Tick()
	}
	r.machine.LinkLost()

	next := sim.NewLink("C0:FF:EE:00:00:02")
	r.machine.LinkEstablished(next)
	r.machine.Command('b')
	r.emitter.Tick()

	writes := next.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, byte(3), writes[0][1])
}

func TestTick_WriteFailureIsNotRetried(t *testing.T) {
	r := newRig(t)
	r.machine.LinkEstablished(r.peer)
	r.machine.Command('b')
	r.peer.FailWrites(errors.New("notify queue full"))

	assert.False(t, r.emitter.Tick())
	assert.Equal(t, int64(1), r.peer.WriteCalls(), "failed write MUST NOT be retried")
	assert.Equal(t, byte(1), r.emitter.Sequence(), "dropped packet MUST still consume its sequence")

	r.peer.FailWrites(nil)
	require.True(t, r.emitter.Tick())
	assert.Equal(t, byte(1), r.peer.Writes()[0][1])

	st := r.emitter.Stats()
	assert.Equal(t, int64(1), st.WriteErrors)
	assert.Equal(t, int64(1), st.PacketsSent)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := newRig(t)
	r.machine.LinkEstablished(r.peer)
	r.machine.Command('b')

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.emitter.Run(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return r.emitter.Stats().PacketsSent >= 5
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run MUST return after cancel")
	}
}
