package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/eegstream/internal/packet"
	"github.com/srg/eegstream/internal/peripheral"
	"github.com/srg/eegstream/internal/sample"
	"github.com/srg/eegstream/internal/session"
	"github.com/srg/eegstream/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []sink.Frame
	err    error
}

func (s *recordingSink) Write(_ context.Context, frames []sink.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frames...)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// packets produces n consecutive packets starting at seq.
func packets(n int, seq byte) [][]byte {
	src := sample.New(0)
	var frames packet.Frames
	out := make([][]byte, n)
	for i := range out {
		var buf packet.Buffer
		src.Fill(&frames)
		packet.EncodeFrames(&buf, &frames, seq)
		seq++
		out[i] = buf[:]
	}
	return out
}

type ReceiverTestSuite struct {
	suite.Suite
	sink     *recordingSink
	receiver *Receiver
	clock    time.Time
}

func (s *ReceiverTestSuite) SetupTest() {
	s.sink = &recordingSink{}
	s.receiver = NewReceiver(s.sink, 0, nil)
	s.clock = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.receiver.now = func() time.Time {
		t := s.clock
		s.clock = s.clock.Add(8 * time.Millisecond)
		return t
	}
}

func (s *ReceiverTestSuite) TestAlignedNotifications() {
	for _, p := range packets(10, 0) {
		s.receiver.HandleNotification(p)
	}

	st := s.receiver.Stats()
	s.Assert().Equal(uint64(10), st.Packets)
	s.Assert().Zero(st.Lost())
	s.Assert().Equal(byte(9), st.LastSeq)
	s.Assert().True(st.HaveSeq)
	s.Assert().InDelta(250.0, st.FramesPerSecond, 0.01, "8 ms packets of two frames MUST read as 250 fps")
}

func (s *ReceiverTestSuite) TestSplitNotifications() {
	// GOAL: Packets split across small-MTU notifications reassemble without loss
	var stream []byte
	for _, p := range packets(5, 100) {
		stream = append(stream, p...)
	}
	for len(stream) > 0 {
		n := min(20, len(stream))
		s.receiver.HandleNotification(stream[:n])
		stream = stream[n:]
	}

	st := s.receiver.Stats()
	s.Assert().Equal(uint64(5), st.Packets)
	s.Assert().Zero(st.Corrupt)
}

func (s *ReceiverTestSuite) TestSequenceGapCountsLoss() {
	ps := packets(6, 253)
	for i, p := range ps {
		if i == 2 || i == 3 {
			continue
		}
		s.receiver.HandleNotification(p)
	}

	st := s.receiver.Stats()
	s.Assert().Equal(uint64(4), st.Packets)
	s.Assert().Equal(uint64(2), st.Lost(), "gap across the 255->0 wrap MUST count two lost packets")
	s.Assert().InDelta(100.0/3.0, st.LossPercent, 0.01)
}

func (s *ReceiverTestSuite) TestCorruptPacketIsSkipped() {
	ps := packets(3, 0)
	ps[1][10] ^= 0xFF

	for _, p := range ps {
		s.receiver.HandleNotification(p)
	}

	st := s.receiver.Stats()
	s.Assert().Equal(uint64(2), st.Packets)
	s.Assert().Equal(uint64(1), st.Lost())
	s.Assert().GreaterOrEqual(st.Corrupt, uint64(1))
}

func (s *ReceiverTestSuite) TestRunDeliversFrames() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.receiver.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	for _, p := range packets(20, 0) {
		s.receiver.HandleNotification(p)
	}

	s.Require().Eventually(func() bool { return s.sink.count() == 40 }, time.Second, time.Millisecond)
	cancel()
	<-done

	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	s.Assert().Equal(byte(0), s.sink.frames[0].Seq)
	s.Assert().Equal(1, s.sink.frames[1].Index)
	s.Assert().Equal(sample.High, s.sink.frames[0].Channels[0])
	s.Assert().Equal(int64(40), s.receiver.Stats().Delivered)
}

func (s *ReceiverTestSuite) TestFinalFlushOnCancel() {
	for _, p := range packets(3, 0) {
		s.receiver.HandleNotification(p)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.receiver.Run(ctx, time.Hour)

	s.Assert().Equal(6, s.sink.count(), "queued frames MUST be flushed on shutdown")
}

func (s *ReceiverTestSuite) TestSinkErrorsAreCounted() {
	s.sink.err = errors.New("broker down")
	for _, p := range packets(2, 0) {
		s.receiver.HandleNotification(p)
	}

	s.receiver.flush(context.Background())

	s.Assert().Equal(int64(1), s.receiver.Stats().SinkErrors)
	s.Assert().Zero(s.receiver.Stats().Delivered)
}

func (s *ReceiverTestSuite) TestReset() {
	for _, p := range packets(3, 0) {
		s.receiver.HandleNotification(p)
	}
	s.receiver.Reset()

	for _, p := range packets(1, 200) {
		s.receiver.HandleNotification(p)
	}
	st := s.receiver.Stats()
	s.Assert().Equal(uint64(1), st.Packets)
	s.Assert().Zero(st.Lost(), "reset MUST forget the previous sequence")
}

func TestReceiverTestSuite(t *testing.T) {
	suite.Run(t, new(ReceiverTestSuite))
}

func TestStatusLine(t *testing.T) {
	st := Stats{Packets: 98, Expected: 100, LossPercent: 2, FramesPerSecond: 249.5, LastSeq: 42, HaveSeq: true}

	line := st.StatusLine(true, false)
	assert.Equal(t, "[streaming] seq  42   249.5 fps  98 pkts  loss 2.00% (2)", line)

	line = Stats{}.StatusLine(false, false)
	assert.Contains(t, line, "[idle] seq --")

	colored := st.StatusLine(true, true)
	assert.Contains(t, colored, "\x1b[", "colorized line MUST contain ANSI escapes")
}

type fakeClient struct {
	profile  *ble.Profile
	mtuErr   error
	writes   [][]byte
	handler  ble.NotificationHandler
	canceled int
	gone     chan struct{}
}

func newFakeClient(withService bool) *fakeClient {
	c := &fakeClient{profile: &ble.Profile{}, gone: make(chan struct{})}
	if withService {
		svc := ble.NewService(ble.MustParse(peripheral.ServiceUUID))
		svc.AddCharacteristic(ble.NewCharacteristic(ble.MustParse(peripheral.RxUUID)))
		svc.AddCharacteristic(ble.NewCharacteristic(ble.MustParse(peripheral.TxUUID)))
		c.profile.Services = append(c.profile.Services, svc)
	}
	return c
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) { return c.profile, nil }

func (c *fakeClient) Subscribe(_ *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	c.handler = h
	return nil
}

func (c *fakeClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, _ bool) error {
	if !ch.UUID.Equal(ble.MustParse(peripheral.RxUUID)) {
		return errors.New("write to wrong characteristic")
	}
	c.writes = append(c.writes, append([]byte(nil), value...))
	return nil
}

func (c *fakeClient) ExchangeMTU(rx int) (int, error) {
	if c.mtuErr != nil {
		return 0, c.mtuErr
	}
	return rx, nil
}

func (c *fakeClient) CancelConnection() error {
	c.canceled++
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.gone }

func withDial(t *testing.T, client nusClient, err error) {
	t.Helper()
	orig := Dial
	Dial = func(context.Context, string) (nusClient, error) { return client, err }
	t.Cleanup(func() { Dial = orig })
}

func TestConnect_SendsCommands(t *testing.T) {
	client := newFakeClient(true)
	withDial(t, client, nil)

	conn, err := Connect(context.Background(), "AA:BB", time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, 247, conn.MTU())

	require.NoError(t, conn.Begin())
	require.NoError(t, conn.Stop())
	require.NoError(t, conn.Sleep())
	assert.Equal(t, [][]byte{{'b'}, {'s'}, {'d'}}, client.writes)

	var got []byte
	require.NoError(t, conn.Subscribe(func(p []byte) { got = append(got, p...) }))
	client.handler([]byte{0xA0})
	assert.Equal(t, []byte{0xA0}, got)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, client.canceled, "close MUST cancel exactly once")
	assert.ErrorIs(t, conn.Send(session.Begin), ErrNotConnected)
}

func TestConnect_MissingService(t *testing.T) {
	client := newFakeClient(false)
	withDial(t, client, nil)

	_, err := Connect(context.Background(), "AA:BB", time.Second, nil)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.Equal(t, 1, client.canceled, "failed setup MUST release the connection")
}

func TestConnect_MTUExchangeIsOptional(t *testing.T) {
	client := newFakeClient(true)
	client.mtuErr = errors.New("not supported")
	withDial(t, client, nil)

	conn, err := Connect(context.Background(), "AA:BB", time.Second, nil)
	require.NoError(t, err)
	assert.Zero(t, conn.MTU())
}

func TestConnect_Errors(t *testing.T) {
	_, err := Connect(context.Background(), "  ", time.Second, nil)
	assert.ErrorContains(t, err, "address is empty")

	withDial(t, nil, errors.New("timeout"))
	_, err = Connect(context.Background(), "AA:BB", time.Second, nil)
	assert.ErrorContains(t, err, "failed to connect to device with address \"AA:BB\"")
}
