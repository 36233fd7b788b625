package monitor

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// Stats is a snapshot of what a Receiver has seen.
type Stats struct {
	Packets         uint64  // distinct valid packets
	Expected        uint64  // packets the sender produced since the first one seen
	Duplicates      uint64  // repeated sequence numbers
	LossPercent     float64 // share of Expected that never arrived
	Corrupt         uint64  // candidates rejected by checksum or framing
	Skipped         uint64  // bytes dropped while resynchronizing
	FramesPerSecond float64
	LastSeq         byte
	HaveSeq         bool
	Overwritten     int64 // frames dropped because the sink fell behind
	SinkErrors      int64
	Delivered       int64 // frames accepted by the sink
}

// Lost returns the number of packets inferred missing.
func (s Stats) Lost() uint64 {
	if s.Expected < s.Packets {
		return 0
	}
	return s.Expected - s.Packets
}

// LossThreshold is the loss percentage above which the status line turns red.
const LossThreshold = 1.0

// StatusLine renders s on one line. Colors are applied only when colorize is set.
func (s Stats) StatusLine(streaming, colorize bool) string {
	state := color.New(color.FgYellow)
	stateText := "idle"
	if streaming {
		state = color.New(color.FgGreen)
		stateText = "streaming"
	}
	loss := color.New(color.FgGreen)
	if s.LossPercent > LossThreshold {
		loss = color.New(color.FgRed)
	}
	if colorize {
		state.EnableColor()
		loss.EnableColor()
	} else {
		state.DisableColor()
		loss.DisableColor()
	}

	seq := "--"
	if s.HaveSeq {
		seq = fmt.Sprintf("%3d", s.LastSeq)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] seq %s  %6.1f fps  %d pkts  ", state.Sprint(stateText), seq, s.FramesPerSecond, s.Packets)
	b.WriteString(loss.Sprintf("loss %.2f%% (%d)", s.LossPercent, s.Lost()))
	if s.Corrupt > 0 {
		fmt.Fprintf(&b, "  corrupt %d", s.Corrupt)
	}
	if s.Overwritten > 0 || s.SinkErrors > 0 {
		fmt.Fprintf(&b, "  dropped %d  sink errors %d", s.Overwritten, s.SinkErrors)
	}
	return b.String()
}
