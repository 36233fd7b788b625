package packet

// LossTracker infers dropped packets from gaps in the 8-bit sequence number.
// A gap of 256 or more packets is indistinguishable from a smaller one; at the default
// 8 ms period that needs a two second silence, which the caller sees as a stall anyway.
//
// LossTracker is not safe for concurrent use.
type LossTracker struct {
	started    bool
	last       byte
	received   uint64
	expected   uint64
	duplicates uint64
}

// Observe records a received sequence number and returns how many packets were
// missed immediately before it.
func (t *LossTracker) Observe(seq byte) int {
	if !t.started {
		t.started = true
		t.last = seq
		t.received = 1
		t.expected = 1
		return 0
	}

	diff := seq - t.last
	if diff == 0 {
		t.duplicates++
		return 0
	}

	t.last = seq
	t.received++
	t.expected += uint64(diff)
	return int(diff) - 1
}

// Received returns the number of distinct packets observed.
func (t *LossTracker) Received() uint64 { return t.received }

// Expected returns the number of packets the sender produced since the first one observed.
func (t *LossTracker) Expected() uint64 { return t.expected }

// Duplicates returns how many repeated sequence numbers were ignored.
func (t *LossTracker) Duplicates() uint64 { return t.duplicates }

// Last returns the most recent sequence number and whether any was observed.
func (t *LossTracker) Last() (byte, bool) { return t.last, t.started }

// LossPercent returns the share of expected packets that never arrived.
func (t *LossTracker) LossPercent() float64 {
	if t.expected == 0 {
		return 0
	}
	return float64(t.expected-t.received) / float64(t.expected) * 100
}

// Reset forgets everything, e.g. after a reconnect.
func (t *LossTracker) Reset() {
	*t = LossTracker{}
}
