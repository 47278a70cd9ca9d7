// Package announce is the cluster-wide completion fan-out: every shop
// multicasts a frame when a barista finishes a ticket, and every shop's
// receive loop matches incoming frames against its local orders. Delivery is
// best-effort and unordered; the collection point's table polling covers
// losses. Self-sent frames are received and processed like any other.
package announce

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/oriys/coffeeshop/internal/codec"
	"github.com/oriys/coffeeshop/internal/logging"
)

// Sink consumes finished-ticket frames matched by the receive loop.
type Sink func(ticket string, status codec.Status)

// Announcer owns the pair of UDP sockets for one shop: a shared,
// concurrency-safe sender bound to an ephemeral port, and a receiver bound
// to the group port and joined to the group, owned exclusively by Run.
type Announcer struct {
	group *net.UDPAddr

	send net.PacketConn
	recv net.PacketConn
}

// New opens both sockets and joins the multicast group on every
// multicast-capable interface. A non-multicast host address is a permanent
// misconfiguration error.
func New(host string, port int) (*Announcer, error) {
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("announce: %q is not a multicast address", host)
	}
	group := &net.UDPAddr{IP: ip, Port: port}

	send, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("announce: open sender: %w", err)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	recv, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		send.Close()
		return nil, fmt.Errorf("announce: open receiver: %w", err)
	}

	p := ipv4.NewPacketConn(recv)
	joined := 0
	ifaces, err := net.Interfaces()
	if err != nil {
		send.Close()
		recv.Close()
		return nil, fmt.Errorf("announce: list interfaces: %w", err)
	}
	for i := range ifaces {
		ifc := &ifaces[i]
		if ifc.Flags&net.FlagMulticast == 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		if err := p.JoinGroup(ifc, &net.UDPAddr{IP: ip}); err != nil {
			logging.Op().Warn("announce: join group failed", "interface", ifc.Name, "error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		send.Close()
		recv.Close()
		return nil, fmt.Errorf("announce: no interface joined group %s", group)
	}

	logging.Op().Info("announcer listening", "group", group.String(), "interfaces", joined)
	return &Announcer{group: group, send: send, recv: recv}, nil
}

// Send multicasts one frame. Safe for concurrent use.
func (a *Announcer) Send(frame *codec.Frame) error {
	data, err := codec.EncodeFrame(frame)
	if err != nil {
		return err
	}
	if _, err := a.send.WriteTo(data, a.group); err != nil {
		return fmt.Errorf("announce: send: %w", err)
	}
	return nil
}

// Run reads datagrams until ctx is cancelled, handing finished-ticket frames
// to the sink. Malformed datagrams are logged and skipped; non-finished
// statuses and non-ticket kinds are ignored.
func (a *Announcer) Run(ctx context.Context, sink Sink) {
	buf := make([]byte, codec.MaxFrameBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		// Short deadline so cancellation is noticed between datagrams.
		_ = a.recv.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := a.recv.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
				return
			}
			logging.Op().Warn("announce: read failed", "error", err)
			continue
		}

		HandleDatagram(buf[:n], sink)
	}
}

// HandleDatagram decodes and dispatches one datagram. Split out of the read
// loop so the dispatch rules are testable without sockets; applying it twice
// to the same datagram is harmless because order fulfillment is write-once.
func HandleDatagram(data []byte, sink Sink) {
	frame, err := codec.DecodeFrame(data)
	if err != nil {
		logging.Op().Warn("announce: malformed datagram", "error", err)
		return
	}
	if frame.Kind != codec.KindTicket || !frame.Status.Finished() {
		logging.Op().Debug("announce: ignoring frame",
			"kind", frame.Kind, "status", frame.Status.String())
		return
	}
	sink(frame.Ticket, frame.Status)
}

// Close tears down both sockets; Run returns shortly after.
func (a *Announcer) Close() error {
	serr := a.send.Close()
	rerr := a.recv.Close()
	if serr != nil {
		return serr
	}
	return rerr
}
