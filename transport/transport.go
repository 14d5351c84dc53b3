// Package transport provides the two control-channel transports the
// streaming host negotiates by generation: a plain length-framed TCP
// connection for Gen3/Gen4 hosts, and a reliable ENet channel for Gen5+
// hosts. Both are exposed through the same Channel interface so the control
// package never needs to know which one it is holding.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codecat/go-enet"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Send/Recv once the channel has been closed.
var ErrClosed = errors.New("transport: channel closed")

// Channel is a bidirectional, message-framed control connection. Send takes
// a complete wire frame (the caller already built the NVCtrl*Header); Recv
// returns one complete wire frame per call.
type Channel interface {
	// Send transmits frame on the given logical channel ID. TCP connections
	// have no notion of channels and ignore it; ENet uses it to route the
	// message onto the matching one of the protocol's 39 channels.
	Send(channelID uint8, frame []byte, reliable bool) error
	Recv(ctx context.Context) ([]byte, error)
	RTT() (time.Duration, bool)
	Close() error
}

// TCPChannel frames messages the way the legacy (pre-Gen5) control protocol
// does: every message starts with a 4-byte [type uint16][length uint16]
// header (little-endian), length being the byte count that follows it. That
// shape is uniform across plaintext and GCM-encrypted frames alike, so this
// reader never needs to know about encryption.
type TCPChannel struct {
	conn net.Conn
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// DialTCP connects to a legacy control port.
func DialTCP(ctx context.Context, addr string, timeout time.Duration, log zerolog.Logger) (*TCPChannel, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPChannel{conn: conn, log: log.With().Str("transport", "tcp").Logger()}, nil
}

func (c *TCPChannel) Send(_ uint8, frame []byte, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *TCPChannel) Recv(ctx context.Context) ([]byte, error) {
	type result struct {
		frame []byte
		err   error
	}
	done := make(chan result, 1)

	go func() {
		header := make([]byte, 4)
		if _, err := io.ReadFull(c.conn, header); err != nil {
			done <- result{nil, err}
			return
		}
		ptype := binary.LittleEndian.Uint16(header[0:2])
		length := binary.LittleEndian.Uint16(header[2:4])
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				done <- result{nil, err}
				return
			}
		}
		frame := make([]byte, 4+length)
		binary.LittleEndian.PutUint16(frame[0:2], ptype)
		binary.LittleEndian.PutUint16(frame[2:4], length)
		copy(frame[4:], payload)
		done <- result{frame, nil}
	}()

	select {
	case <-ctx.Done():
		c.conn.SetReadDeadline(time.Now())
		<-done
		return nil, ctx.Err()
	case r := <-done:
		return r.frame, r.err
	}
}

// RTT is unavailable over plain TCP; the legacy protocol has no built-in
// round-trip estimator on this channel.
func (c *TCPChannel) RTT() (time.Duration, bool) { return 0, false }

func (c *TCPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// ENetChannel wraps a single-peer ENet host. go-enet's Host is not
// safe for concurrent use, so every operation on it — Connect, Service,
// Peer.SendBytes — is funneled through hostMu.
type ENetChannel struct {
	log zerolog.Logger

	hostMu sync.Mutex
	host   enet.Host
	peer   enet.Peer

	messages chan []byte
	closed   chan struct{}
	closeMu  sync.Mutex
	closeErr error
}

// DialENet connects to a Gen5+ control port over ENet with the given
// channel count (the protocol's fixed 39 logical channels).
func DialENet(addr string, port uint16, channelCount uint64, timeout time.Duration, log zerolog.Logger) (*ENetChannel, error) {
	host, err := enet.NewHost(nil, 1, channelCount, 0, 0)
	if err != nil {
		return nil, err
	}

	remote := enet.NewAddress(addr, port)
	peer, err := host.Connect(remote, channelCount, 0)
	if err != nil {
		host.Destroy()
		return nil, err
	}

	c := &ENetChannel{
		log:      log.With().Str("transport", "enet").Logger(),
		host:     host,
		peer:     peer,
		messages: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}

	connected := make(chan error, 1)
	go c.pump(connected, timeout)

	select {
	case err := <-connected:
		if err != nil {
			c.Close()
			return nil, err
		}
	case <-time.After(timeout):
		c.Close()
		return nil, errors.New("transport: enet connect timed out")
	}

	return c, nil
}

// pump runs the ENet host's service loop for the lifetime of the channel,
// translating Connect/Receive/Disconnect events into Go channels.
func (c *ENetChannel) pump(connected chan<- error, connectTimeout time.Duration) {
	defer close(c.closed)
	defer close(c.messages)

	sentConnect := false
	deadline := time.Now().Add(connectTimeout)

	for {
		c.hostMu.Lock()
		event, err := c.host.Service(10)
		c.hostMu.Unlock()

		if err != nil {
			if !sentConnect {
				connected <- err
				sentConnect = true
			}
			return
		}

		switch event.GetType() {
		case enet.EventTypeConnect:
			if !sentConnect {
				connected <- nil
				sentConnect = true
			}
		case enet.EventTypeReceive:
			packet := event.GetPacket()
			data := append([]byte(nil), packet.GetData()...)
			packet.Destroy()
			select {
			case c.messages <- data:
			default:
				c.log.Warn().Msg("enet receive channel full, dropping message")
			}
		case enet.EventTypeDisconnect:
			if !sentConnect {
				connected <- errors.New("transport: peer disconnected before connect completed")
				sentConnect = true
			}
			return
		}

		if !sentConnect && time.Now().After(deadline) {
			connected <- errors.New("transport: enet connect timed out")
			sentConnect = true
			return
		}
	}
}

func (c *ENetChannel) Send(channelID uint8, frame []byte, reliable bool) error {
	flags := enet.PacketFlagUnsequenced
	if reliable {
		flags = enet.PacketFlagReliable
	}

	c.hostMu.Lock()
	defer c.hostMu.Unlock()
	if err := c.peer.SendBytes(channelID, frame, flags); err != nil {
		return err
	}
	// enet_host_flush pushes the just-enqueued packet out immediately
	// instead of waiting for the next Service() call in pump to push it.
	c.host.Flush()
	return nil
}

func (c *ENetChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.messages:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ENetChannel) RTT() (time.Duration, bool) {
	c.hostMu.Lock()
	defer c.hostMu.Unlock()
	if c.peer == nil {
		return 0, false
	}
	return time.Duration(c.peer.GetRoundTripTime()) * time.Millisecond, true
}

func (c *ENetChannel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	select {
	case <-c.closed:
		return c.closeErr
	default:
	}

	c.hostMu.Lock()
	if c.peer != nil {
		c.peer.DisconnectNow(0)
	}
	c.host.Destroy()
	c.hostMu.Unlock()

	<-c.closed
	return nil
}
