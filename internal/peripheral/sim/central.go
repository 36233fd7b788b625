package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/eegstream/internal/packet"
	"github.com/srg/eegstream/internal/peripheral"
)

// StepKind is one action of a scripted central.
type StepKind uint8

const (
	StepConnect StepKind = iota
	StepSend
	StepWait
	StepDisconnect
)

func (k StepKind) String() string {
	switch k {
	case StepConnect:
		return "connect"
	case StepSend:
		return "send"
	case StepWait:
		return "wait"
	case StepDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("step(%d)", uint8(k))
	}
}

// Step is one entry of a Script.
type Step struct {
	Kind StepKind
	Data []byte        // StepSend
	Wait time.Duration // StepWait
}

// Script is a sequence of central actions.
type Script []Step

// DefaultAddress is the address the simulated central connects from.
const DefaultAddress = "5E:11:AB:00:00:01"

// DefaultScript connects, streams for two seconds, idles, sleeps and disconnects.
func DefaultScript() Script {
	return Script{
		{Kind: StepConnect},
		{Kind: StepWait, Wait: 200 * time.Millisecond},
		{Kind: StepSend, Data: []byte("b")},
		{Kind: StepWait, Wait: 2 * time.Second},
		{Kind: StepSend, Data: []byte("s")},
		{Kind: StepWait, Wait: 500 * time.Millisecond},
		{Kind: StepSend, Data: []byte("d")},
		{Kind: StepWait, Wait: 500 * time.Millisecond},
		{Kind: StepDisconnect},
	}
}

// ParseScript reads a comma separated script such as "connect,wait=200ms,b,wait=2s,s,disconnect".
// A single-character token is sent as one command byte; "send=TEXT" sends TEXT verbatim in
// one write. Any other token is an error.
func ParseScript(s string) (Script, error) {
	var script Script
	for _, raw := range strings.Split(s, ",") {
		tok := strings.TrimSpace(raw)
		switch {
		case tok == "":
			continue
		case tok == "connect":
			script = append(script, Step{Kind: StepConnect})
		case tok == "disconnect":
			script = append(script, Step{Kind: StepDisconnect})
		case strings.HasPrefix(tok, "wait="):
			d, err := time.ParseDuration(strings.TrimPrefix(tok, "wait="))
			if err != nil {
				return nil, fmt.Errorf("invalid script step %q: %w", tok, err)
			}
			script = append(script, Step{Kind: StepWait, Wait: d})
		case strings.HasPrefix(tok, "send="):
			data := strings.TrimPrefix(tok, "send=")
			if data == "" {
				return nil, fmt.Errorf("invalid script step %q: nothing to send", tok)
			}
			script = append(script, Step{Kind: StepSend, Data: []byte(data)})
		case len(tok) == 1:
			script = append(script, Step{Kind: StepSend, Data: []byte(tok)})
		default:
			return nil, fmt.Errorf("unknown script step %q", tok)
		}
	}
	if len(script) == 0 {
		return nil, fmt.Errorf("empty script")
	}
	return script, nil
}

// CentralStats summarizes what the simulated central received.
type CentralStats struct {
	Packets  uint64
	Lost     uint64
	Corrupt  uint64
	Commands int
	Connects int
}

// Backend is a peripheral.Backend without a radio: it plays Script against the device
// and decodes every notification it is sent.
type Backend struct {
	script Script
	addr   string
	repeat bool
	logger *logrus.Logger

	mu       sync.Mutex
	stream   *packet.Stream
	loss     packet.LossTracker
	onPacket func(*packet.Packet)
	commands int
	connects int
	current  *Link
}

// NewBackend creates a backend that plays script once and then idles until cancelled.
func NewBackend(script Script, logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{
		script: script,
		addr:   DefaultAddress,
		logger: logger,
		stream: packet.NewStream(0),
	}
}

// Repeat makes the script loop until the context is cancelled.
func (b *Backend) Repeat(v bool) *Backend {
	b.repeat = v
	return b
}

// OnPacket installs fn to see every decoded packet. It runs on the emitter goroutine.
func (b *Backend) OnPacket(fn func(*packet.Packet)) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPacket = fn
	return b
}

// Name implements peripheral.Backend.
func (b *Backend) Name() string { return "sim" }

// Serve implements peripheral.Backend.
func (b *Backend) Serve(ctx context.Context, adv peripheral.Advertisement, ev peripheral.Events) error {
	b.logger.WithFields(logrus.Fields{
		"name":         adv.Name,
		"adv_interval": fmt.Sprintf("%s..%s", adv.MinDuration(), adv.MaxDuration()),
		"service":      peripheral.ServiceUUID,
	}).Info("Advertising (simulated)")

	for {
		if err := b.play(ctx, ev); err != nil {
			return err
		}
		if !b.repeat || len(b.script) == 0 {
			break
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

func (b *Backend) play(ctx context.Context, ev peripheral.Events) error {
	for i, step := range b.script {
		b.logger.WithFields(logrus.Fields{"step": i, "kind": step.Kind}).Debug("Simulated central step")
		switch step.Kind {
		case StepConnect:
			l := NewStreamingLink(b.addr, b.consume)
			b.mu.Lock()
			b.current = l
			b.connects++
			b.mu.Unlock()
			ev.LinkEstablished(l)
		case StepSend:
			b.mu.Lock()
			b.commands += len(step.Data)
			b.mu.Unlock()
			ev.Receive(step.Data)
		case StepDisconnect:
			ev.LinkLost()
			b.mu.Lock()
			b.current = nil
			b.mu.Unlock()
		case StepWait:
			t := time.NewTimer(step.Wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// consume reassembles notifications exactly as a receiving central would.
func (b *Backend) consume(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, _ = b.stream.Write(p)
	for {
		pkt, ok := b.stream.Next()
		if !ok {
			return
		}
		if missed := b.loss.Observe(pkt.Seq); missed > 0 {
			b.logger.WithFields(logrus.Fields{"seq": pkt.Seq, "missed": missed}).Warn("Simulated central detected packet loss")
		}
		if b.onPacket != nil {
			b.onPacket(pkt)
		}
	}
}

// CurrentLink returns the link of the active simulated connection, or nil.
func (b *Backend) CurrentLink() *Link {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Stats returns what the central has seen so far.
func (b *Backend) Stats() CentralStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	lost := uint64(0)
	if b.loss.Expected() > b.loss.Received() {
		lost = b.loss.Expected() - b.loss.Received()
	}
	return CentralStats{
		Packets:  b.loss.Received(),
		Lost:     lost,
		Corrupt:  b.stream.Stats().Corrupt,
		Commands: b.commands,
		Connects: b.connects,
	}
}
