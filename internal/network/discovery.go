package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/protocol"
)

// CapacityReporter reports how many more players the host can accept.
type CapacityReporter interface {
	FreeSlots() int
}

// DiscoveryResponder answers LAN discovery probes. Clients broadcast a
// datagram starting with protocol.DiscoveryMagicByte and receive the server
// name, version, protocol version and free slots.
type DiscoveryResponder struct {
	addr     string
	name     string
	version  string
	capacity CapacityReporter
	conn     *net.UDPConn
}

// NewDiscoveryResponder creates a responder bound to addr once started.
func NewDiscoveryResponder(addr, name, version string, capacity CapacityReporter) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		name:     name,
		version:  version,
		capacity: capacity,
	}
}

// Start listens for probes until ctx is cancelled.
func (d *DiscoveryResponder) Start(ctx context.Context) error {
	if err := d.Listen(ctx); err != nil {
		return err
	}
	return d.Serve(ctx)
}

// Listen binds the responder socket.
func (d *DiscoveryResponder) Listen(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", d.addr)
	if err != nil {
		return fmt.Errorf("failed to start discovery responder on %s: %w", d.addr, err)
	}
	d.conn = pc.(*net.UDPConn)

	log.Info().Str("addr", d.conn.LocalAddr().String()).Msg("discovery responder started")
	return nil
}

// Serve answers probes on the bound socket until ctx is cancelled.
func (d *DiscoveryResponder) Serve(ctx context.Context) error {
	if d.conn == nil {
		return fmt.Errorf("discovery responder is not listening")
	}

	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, 512)
	for {
		n, remote, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("discovery responder stopping")
				return nil
			default:
				log.Error().Err(err).Msg("discovery read error")
				continue
			}
		}

		if n < 1 || buf[0] != protocol.DiscoveryMagicByte {
			continue
		}

		if _, err := d.conn.WriteToUDP(d.response(), remote); err != nil {
			log.Warn().Err(err).Str("remote", remote.String()).Msg("failed to answer discovery probe")
			continue
		}
		log.Trace().Str("remote", remote.String()).Msg("answered discovery probe")
	}
}

func (d *DiscoveryResponder) response() []byte {
	free := 0
	if d.capacity != nil {
		free = d.capacity.FreeSlots()
	}
	if free < 0 {
		free = 0
	}
	if free > 0xFFFF {
		free = 0xFFFF
	}
	return protocol.BuildDiscoveryResponse(d.name, d.version, uint16(free))
}

// LocalAddr returns the bound address, or nil before Listen.
func (d *DiscoveryResponder) LocalAddr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Probe sends one discovery probe to addr and returns the parsed reply.
func Probe(addr string, timeout time.Duration) (name, version string, free uint16, err error) {
	conn, err := net.Dial("udp4", addr)
	if err != nil {
		return "", "", 0, fmt.Errorf("probe dial failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{protocol.DiscoveryMagicByte}); err != nil {
		return "", "", 0, fmt.Errorf("probe write failed: %w", err)
	}

	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if err != nil {
		return "", "", 0, fmt.Errorf("probe read failed: %w", err)
	}

	r := protocol.NewPacketReader(buf[:n])
	if magic, _ := r.ReadByte(); magic != protocol.DiscoveryMagicByte {
		return "", "", 0, fmt.Errorf("probe reply has bad magic %#x", magic)
	}
	if _, err := r.ReadUint16(); err != nil {
		return "", "", 0, err
	}
	if free, err = r.ReadUint16(); err != nil {
		return "", "", 0, err
	}
	if name, err = r.ReadNullString(); err != nil {
		return "", "", 0, err
	}
	if version, err = r.ReadNullString(); err != nil {
		return "", "", 0, err
	}
	return name, version, free, nil
}
