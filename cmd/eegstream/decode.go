package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/eegstream/internal/packet"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode a captured packet stream",
	Long: `Reads a capture of TX notifications, binary or hex text, and prints one line per
frame. Bytes between packets are skipped and corrupt packets are counted. Reads stdin
when no file is given.

Examples:
  # Decode a binary capture
  eegstream decode capture.bin

  # Decode hex pasted from a sniffer, printing raw ADC counts
  pbpaste | eegstream decode --hex --raw`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecode,
}

var (
	decodeHex   bool
	decodeRaw   bool
	decodeQuiet bool
)

func init() {
	decodeCmd.Flags().BoolVar(&decodeHex, "hex", false, "Input is hex text; whitespace and ':' separators are ignored")
	decodeCmd.Flags().BoolVar(&decodeRaw, "raw", false, "Print raw 24-bit counts instead of microvolts")
	decodeCmd.Flags().BoolVarP(&decodeQuiet, "quiet", "q", false, "Print only the summary")
}

// DecodeSummary is what a decode run saw.
type DecodeSummary struct {
	Packets     uint64
	Lost        uint64
	Duplicates  uint64
	Corrupt     uint64
	Skipped     uint64
	LossPercent float64
}

func runDecode(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open capture: %w", err)
		}
		defer f.Close()
		in = f
	}
	cmd.SilenceUsage = true

	if decodeHex {
		data, err := readHex(in)
		if err != nil {
			return err
		}
		in = bytes.NewReader(data)
	}

	w := bufio.NewWriter(cmd.OutOrStdout())
	defer w.Flush()

	var emit func(*packet.Packet)
	if !decodeQuiet {
		emit = func(p *packet.Packet) { writeFrames(w, p, decodeRaw) }
	}
	sum, err := decodeStream(in, emit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "packets %d  lost %d (%.2f%%)  duplicates %d  corrupt %d  skipped bytes %d\n",
		sum.Packets, sum.Lost, sum.LossPercent, sum.Duplicates, sum.Corrupt, sum.Skipped)
	return nil
}

// decodeStream reassembles packets from r, calling fn for each one when fn is set.
func decodeStream(r io.Reader, fn func(*packet.Packet)) (DecodeSummary, error) {
	stream := packet.NewStream(0)
	var loss packet.LossTracker
	buf := make([]byte, 4096)

	drain := func() {
		for {
			p, ok := stream.Next()
			if !ok {
				return
			}
			loss.Observe(p.Seq)
			if fn != nil {
				fn(p)
			}
		}
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = stream.Write(buf[:n])
			drain()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return DecodeSummary{}, fmt.Errorf("failed to read capture: %w", err)
		}
	}

	st := stream.Stats()
	sum := DecodeSummary{
		Packets:     loss.Received(),
		Duplicates:  loss.Duplicates(),
		Corrupt:     st.Corrupt,
		Skipped:     st.Skipped,
		LossPercent: loss.LossPercent(),
	}
	if loss.Expected() > loss.Received() {
		sum.Lost = loss.Expected() - loss.Received()
	}
	return sum, nil
}

// readHex decodes hex text, ignoring whitespace, ':' separators and 0x prefixes.
func readHex(r io.Reader) ([]byte, error) {
	text, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}
	s := strings.ReplaceAll(strings.ToLower(string(text)), "0x", "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ':' || r == ',' {
			return -1
		}
		return r
	}, s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex capture: %w", err)
	}
	return data, nil
}

func writeFrames(w io.Writer, p *packet.Packet, raw bool) {
	for i, frame := range p.Frames {
		fmt.Fprintf(w, "%3d.%d", p.Seq, i)
		for _, v := range frame {
			if raw {
				fmt.Fprintf(w, " %9d", v)
			} else {
				fmt.Fprintf(w, " %10.2f", packet.Microvolts(v))
			}
		}
		fmt.Fprintln(w)
	}
}
