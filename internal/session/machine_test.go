package session_test

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/eegstream/internal/link"
	"github.com/srg/eegstream/internal/peripheral/sim"
	"github.com/srg/eegstream/internal/session"
	"github.com/stretchr/testify/suite"
)

type MachineTestSuite struct {
	suite.Suite
	links   *link.Holder
	ctrl    *link.Controller
	machine *session.Machine
	peer    *sim.Link
}

func (s *MachineTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.links = &link.Holder{}
	s.ctrl = link.NewController(s.links, logger)
	s.machine = session.NewMachine(s.links, s.ctrl, logger)
	s.peer = sim.NewLink("11:22:33:44:55:66")
}

func (s *MachineTestSuite) TestBootState() {
	st := s.machine.State()

	s.Assert().Equal(session.Boot, st)
	s.Assert().Equal(session.Disconnected, st.Phase())
	s.Assert().False(st.Connected())
	s.Assert().False(st.Streaming())
	s.Assert().Equal(link.Fast, st.Profile())
}

func (s *MachineTestSuite) TestLinkEstablished() {
	// GOAL: Connecting moves to Connected-Idle, requests the fast interval and a larger MTU
	s.machine.LinkEstablished(s.peer)

	st := s.machine.State()
	s.Assert().Equal(session.ConnectedIdle, st.Phase())
	s.Assert().Equal(link.Fast, st.Profile())
	s.Assert().Equal([]uint16{6}, s.peer.Intervals(), "connect MUST request the fast interval")
	s.Assert().Equal([]int{link.PreferredMTU}, s.peer.MTUs(), "connect MUST request the preferred MTU")
	s.Assert().Same(s.peer, s.links.Current())
}

func (s *MachineTestSuite) TestCommandTransitions() {
	tests := []struct {
		name     string
		commands string
		phase    session.Phase
		profile  link.Profile
		interval uint16
	}{
		{name: "begin", commands: "b", phase: session.ConnectedStreaming, profile: link.Fast, interval: 6},
		{name: "stop", commands: "s", phase: session.ConnectedIdle, profile: link.Idle, interval: 80},
		{name: "hold", commands: "d", phase: session.ConnectedIdle, profile: link.Sleep, interval: 800},
		{name: "begin then stop", commands: "bs", phase: session.ConnectedIdle, profile: link.Idle, interval: 80},
		{name: "begin twice", commands: "bb", phase: session.ConnectedStreaming, profile: link.Fast, interval: 6},
		{name: "hold then begin", commands: "db", phase: session.ConnectedStreaming, profile: link.Fast, interval: 6},
		{name: "streaming then hold", commands: "bd", phase: session.ConnectedIdle, profile: link.Sleep, interval: 800},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.machine.LinkEstablished(s.peer)

			s.machine.Receive([]byte(tt.commands))

			st := s.machine.State()
			s.Assert().Equal(tt.phase, st.Phase())
			s.Assert().Equal(tt.profile, st.Profile())
			last, ok := s.peer.LastInterval()
			s.Require().True(ok)
			s.Assert().Equal(tt.interval, last)
			s.Assert().Len(s.peer.Intervals(), 1+len(tt.commands), "every command MUST issue exactly one request")
		})
	}
}

func (s *MachineTestSuite) TestUnknownCommandIsIgnored() {
	s.machine.LinkEstablished(s.peer)
	s.machine.Command('b')
	before := s.machine.State()
	calls := s.peer.Calls()

	s.machine.Receive([]byte{'x', 'B', 0x00, '\n'})

	s.Assert().Equal(before, s.machine.State(), "unknown bytes MUST NOT change state")
	s.Assert().Equal(calls, s.peer.Calls(), "unknown bytes MUST NOT reach the link")
	s.Assert().Equal(int64(4), s.machine.Metrics().Unknown)
}

func (s *MachineTestSuite) TestCommandsWhileDisconnected() {
	// GOAL: Advisory no-op - commands without a link neither change state nor touch a link
	s.machine.Receive([]byte("bsd"))

	s.Assert().Equal(session.Boot, s.machine.State())
	s.Assert().Zero(s.peer.Calls())
	s.Assert().Equal(int64(3), s.machine.Metrics().Ignored)
}

func (s *MachineTestSuite) TestLinkLostResetsState() {
	s.machine.LinkEstablished(s.peer)
	s.machine.Command('d')

	s.machine.LinkLost()

	st := s.machine.State()
	s.Assert().Equal(session.Boot, st, "link lost MUST reset to disconnected/idle/fast")
	s.Assert().Nil(s.links.Current())
	_, ok := s.ctrl.Requested()
	s.Assert().False(ok)

	calls := s.peer.Calls()
	s.machine.LinkLost()
	s.Assert().Equal(calls, s.peer.Calls())
	s.Assert().Equal(int64(1), s.machine.Metrics().Disconnects, "second link lost MUST be a no-op")
}

func (s *MachineTestSuite) TestReconnectReplacesLink() {
	s.machine.LinkEstablished(s.peer)
	s.machine.Command('b')

	other := sim.NewLink("AA:AA:AA:AA:AA:AA")
	s.machine.LinkEstablished(other)

	s.Assert().Equal(session.ConnectedIdle, s.machine.State().Phase(), "new link MUST start idle")
	s.Assert().Same(other, s.links.Current())
}

func (s *MachineTestSuite) TestTransitionHandler() {
	var seen []session.Phase
	s.machine.SetTransitionHandler(func(_, to session.State) {
		seen = append(seen, to.Phase())
	})

	s.machine.LinkEstablished(s.peer)
	s.machine.Receive([]byte("bbsx"))
	s.machine.LinkLost()

	s.Assert().Equal([]session.Phase{
		session.ConnectedIdle,
		session.ConnectedStreaming,
		session.ConnectedIdle,
		session.Disconnected,
	}, seen, "handler MUST see only actual changes")
}

func (s *MachineTestSuite) TestLargeWriteKeepsTrailingCommand() {
	// GOAL: A write longer than the inbox still reaches every byte, in order
	//
	// TEST SCENARIO: 240 noise bytes then 'b' in one RX write → streaming on the fast interval
	s.machine.LinkEstablished(s.peer)
	s.machine.Command('d')

	p := append(bytes.Repeat([]byte{'x'}, 240), 'b')
	s.machine.Receive(p)

	st := s.machine.State()
	s.Assert().Equal(session.ConnectedStreaming, st.Phase(), "trailing command MUST NOT be dropped")
	s.Assert().Equal(int64(240), s.machine.Metrics().Unknown)
	last, _ := s.peer.LastInterval()
	s.Assert().Equal(uint16(6), last)
}

func (s *MachineTestSuite) TestCommandDuringConnectKeepsRequestInStep() {
	// GOAL: The last interval request follows the state even when a transition lands
	// between the connect swap and its profile request
	//
	// TEST SCENARIO: handler sends 'd' while connect is being published → last request is sleep
	fired := false
	s.machine.SetTransitionHandler(func(from, to session.State) {
		if !from.Connected() && to.Connected() && !fired {
			fired = true
			s.machine.Command('d')
		}
	})

	s.machine.LinkEstablished(s.peer)

	st := s.machine.State()
	s.Require().True(fired)
	s.Assert().Equal(link.Sleep, st.Profile())
	last, ok := s.peer.LastInterval()
	s.Require().True(ok)
	s.Assert().Equal(link.Sleep.Interval(), last, "last request MUST match the state's profile")
	requested, ok := s.ctrl.Requested()
	s.Require().True(ok)
	s.Assert().Equal(link.Sleep, requested)
}

func (s *MachineTestSuite) TestStreamingImpliesConnected() {
	// GOAL: No event sequence can reach streaming without a link
	//
	// TEST SCENARIO: random interleavings of connect/disconnect/commands, checked after every step
	rng := rand.New(rand.NewSource(1))
	events := []func(){
		func() { s.machine.LinkEstablished(s.peer) },
		func() { s.machine.LinkLost() },
		func() { s.machine.Command('b') },
		func() { s.machine.Command('s') },
		func() { s.machine.Command('d') },
		func() { s.machine.Command('?') },
	}

	for i := 0; i < 5000; i++ {
		events[rng.Intn(len(events))]()
		st := s.machine.State()
		if st.Streaming() {
			s.Require().True(st.Connected(), "streaming MUST imply connected (step %d)", i)
		}
	}
}

func (s *MachineTestSuite) TestConcurrentEventsKeepInvariant() {
	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := 0

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := s.machine.State()
			if st.Streaming() && !st.Connected() {
				violations++
			}
		}
	}()

	var writers sync.WaitGroup
	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			for j := 0; j < 1000; j++ {
				switch (i + j) % 4 {
				case 0:
					s.machine.LinkEstablished(s.peer)
				case 1:
					s.machine.Receive([]byte{'b'})
				case 2:
					s.machine.LinkLost()
				default:
					s.machine.Receive([]byte{'s'})
				}
			}
		}(i)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	s.Assert().Zero(violations, "reader MUST never observe streaming without connected")
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
