// dgseqd is a single-peer UDP relay for exercising the sequencer over a
// real socket: inbound datagrams feed ReceivedDatagram, outbound datagrams
// emitted via the ready-to-write notification are flushed back to the peer,
// and a ticker drives StartPacket/EndPacket so acks and buffered reliable
// data keep flowing even when the application has nothing to say.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"dgseq/internal/logging"
	"dgseq/sequencer"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ListenAddr is the local UDP address to bind.
	ListenAddr string
	// PeerAddr is the single fixed peer this relay talks to.
	PeerAddr string
	// MaxPacketSize bounds a logical packet before fragmentation.
	MaxPacketSize string
	// MaxDatagramSize bounds a single wire datagram.
	MaxDatagramSize string
	// Interval is how often an outbound packet is built and sent.
	Interval time.Duration
	// Verbose enables debug-level protocol tracing.
	Verbose bool
}

var rootCmd = &cobra.Command{
	Use:   "dgseqd",
	Short: "Single-peer UDP relay exercising the datagram sequencer",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			var interrupted Interrupted
			if errors.As(err, &interrupted) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ListenAddr, "listen", "l", "127.0.0.1:7400", "Local UDP address to bind")
	rootCmd.Flags().StringVarP(&cmd.PeerAddr, "peer", "p", "", "Peer UDP address (required)")
	rootCmd.Flags().StringVar(&cmd.MaxPacketSize, "max-packet-size", "3000B", "Logical packet size cap before fragmentation")
	rootCmd.Flags().StringVar(&cmd.MaxDatagramSize, "max-datagram-size", "1500B", "Wire datagram size cap")
	rootCmd.Flags().DurationVar(&cmd.Interval, "interval", 50*time.Millisecond, "Outbound packet interval")
	rootCmd.Flags().BoolVarP(&cmd.Verbose, "verbose", "v", false, "Enable debug-level protocol tracing")
	rootCmd.MarkFlagRequired("peer")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	level := zapcore.InfoLevel
	if cmd.Verbose {
		level = zapcore.DebugLevel
	}
	log, _, err := logging.Init(&logging.Config{Level: level})
	if err != nil {
		return err
	}
	defer log.Sync()

	var packetSize, datagramSize datasize.ByteSize
	if err := packetSize.UnmarshalText([]byte(cmd.MaxPacketSize)); err != nil {
		return fmt.Errorf("failed to parse max packet size: %w", err)
	}
	if err := datagramSize.UnmarshalText([]byte(cmd.MaxDatagramSize)); err != nil {
		return fmt.Errorf("failed to parse max datagram size: %w", err)
	}

	listenAddr, err := net.ResolveUDPAddr("udp", cmd.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve listen address: %w", err)
	}
	peerAddr, err := net.ResolveUDPAddr("udp", cmd.PeerAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve peer address: %w", err)
	}

	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	defer conn.Close()

	log.Infof("listening on %s, peer %s", listenAddr, peerAddr)
	log.Infof("max packet size: %s, max datagram size: %s", packetSize.HR(), datagramSize.HR())

	seq := sequencer.New(
		sequencer.WithMaxPacketSize(packetSize),
		sequencer.WithMaxDatagramSize(datagramSize),
		sequencer.WithLogger(log),
	)
	seq.OnReadyToWrite(func(datagram []byte) {
		if _, err := conn.WriteToUDP(datagram, peerAddr); err != nil {
			log.Warnf("failed to send datagram: %v", err)
		}
	})
	// The relay writes no application middle, so the handler consumes
	// nothing; it only marks packet completion.
	seq.OnReadyToRead(func(io.Reader) {
		log.Debugf("completed incoming packet")
	})
	seq.OnReceivedHighPriorityMessage(func(value []byte) {
		log.Infof("received high-priority message: %q", value)
	})

	// The sequencer is single-threaded: the socket reader only hands raw
	// datagrams over this channel, and every sequencer call happens on the
	// pump goroutine below.
	inbound := make(chan []byte, 64)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		defer close(inbound)
		buffer := make([]byte, 65536)
		for {
			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to read UDP packet: %w", err)
			}
			datagram := make([]byte, n)
			copy(datagram, buffer[:n])
			select {
			case inbound <- datagram:
			case <-ctx.Done():
				return nil
			}
		}
	})
	wg.Go(func() error {
		ticker := time.NewTicker(cmd.Interval)
		defer ticker.Stop()
		for {
			select {
			case datagram, ok := <-inbound:
				if !ok {
					return nil
				}
				if err := seq.ReceivedDatagram(datagram); err != nil {
					log.Warnf("failed to process datagram: %v", err)
				}
			case <-ticker.C:
				seq.StartPacket()
				if err := seq.EndPacket(); err != nil {
					log.Warnf("failed to build packet: %v", err)
				}
			case <-ctx.Done():
				stats := seq.Stats()
				log.Infof("packets sent=%d received=%d, fragments sent=%d received=%d, dropped stale=%d duplicate=%d",
					stats.PacketsSent, stats.PacketsReceived,
					stats.FragmentsSent, stats.FragmentsReceived,
					stats.StaleFragmentsDropped, stats.DuplicateFragmentsDropped)
				return nil
			}
		}
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		conn.SetReadDeadline(time.Now())
		return err
	})

	return wg.Wait()
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received or
// the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
