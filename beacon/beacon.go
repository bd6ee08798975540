// Package beacon implements LAN peer discovery (spec.md §4.8): a UDP
// socket broadcasts a small self-announcement every period and learns
// about other nodes on the same subnet from their own broadcasts.
// Grounded on go-ethereum's p2p/discover UDP transport for the packet-conn
// plus read/write-loop shape, adapted to the fixed 66-byte datagram and
// periodic-broadcast model spec.md §4.8/§6 describe instead of discv4's
// RPC packets.
package beacon

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duskveil/node/internal/metrics"
	"github.com/duskveil/node/internal/xlog"
	"github.com/duskveil/node/types"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

var log = xlog.New("component", "beacon")

// datagramSize is the fixed layout from spec.md §6: 32B checksum, 32B node
// id, 2B listen port in network byte order.
const datagramSize = 32 + 32 + 2

// Config configures one Beacon instance.
type Config struct {
	Port       int
	Period     time.Duration
	Checksum   [32]byte
	MyID       types.NodeID
	ListenPort uint16

	// Learn is called for every accepted datagram from another node
	// (spec.md §4.8 "hand (addr, id) to PeerManager as a candidate
	// peer"). Backed by peermgr.Manager.Learn in the Node.
	Learn func(id types.NodeID, addr string)
}

// Beacon periodically broadcasts a self-announcement and learns about
// peers from datagrams it receives.
type Beacon struct {
	cfg  Config
	conn *ipv4.PacketConn
	raw  *net.UDPConn

	// sending guards against overlapping broadcasts (SPEC_FULL.md
	// "beacon-single-outbound-datagram-via-atomic.Bool"): the original's
	// reference-counted send context exists to share one buffer across
	// possibly-concurrent sends, which a single literal payload doesn't
	// need, so a bool suffices.
	sending atomic.Bool

	// started is set by Run; Close waits for the loops only if they ran.
	started atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// New binds the broadcast socket. The caller must call Run to start the
// broadcast/receive loops and Close to release the socket.
func New(cfg Config) (*Beacon, error) {
	lc := net.ListenConfig{Control: func(network, address string, rc syscall.RawConn) error {
		var sockErr error
		if err := rc.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return sockErr
	}}
	pc, err := lc.ListenPacket(context.Background(), "udp4", portAddr(cfg.Port))
	if err != nil {
		return nil, err
	}
	udpConn := pc.(*net.UDPConn)
	conn := ipv4.NewPacketConn(udpConn)
	if err := conn.SetControlMessage(ipv4.FlagDst, false); err != nil {
		log.Debug("beacon: control message flag unsupported on this platform", "err", err)
	}
	if err := enableBroadcast(udpConn); err != nil {
		udpConn.Close()
		return nil, err
	}

	b := &Beacon{
		cfg:  cfg,
		conn: conn,
		raw:  udpConn,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	return b, nil
}

func portAddr(port int) string {
	return (&net.UDPAddr{Port: port}).String()
}

// enableBroadcast sets SO_BROADCAST on the underlying socket so sends to
// net.IPv4bcast are permitted; Go's net package does not expose this as a
// portable API.
func enableBroadcast(conn *net.UDPConn) error {
	sc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := sc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// Run starts the broadcast and receive loops; it returns once Close is
// called.
func (b *Beacon) Run() {
	b.started.Store(true)
	go b.broadcastLoop()
	b.receiveLoop()
	close(b.done)
}

func (b *Beacon) Close() error {
	close(b.stop)
	err := b.raw.Close()
	if b.started.Load() {
		<-b.done
	}
	return err
}

func (b *Beacon) broadcastLoop() {
	ticker := time.NewTicker(b.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.broadcastOnce()
		}
	}
}

// broadcastOnce sends one datagram to the local subnet's broadcast
// address, skipping if a previous send is still in flight (spec.md §4.8
// "only one outbound datagram is in flight at a time").
func (b *Beacon) broadcastOnce() {
	if !b.sending.CompareAndSwap(false, true) {
		return
	}
	defer b.sending.Store(false)

	payload := encodeDatagram(b.cfg.Checksum, b.cfg.MyID, b.cfg.ListenPort)
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: b.cfg.Port}
	if _, err := b.raw.WriteToUDP(payload, dst); err != nil {
		log.Debug("beacon broadcast failed", "err", err)
	}
}

func (b *Beacon) receiveLoop() {
	buf := make([]byte, 512)
	for {
		n, _, from, err := b.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug("beacon read failed", "err", err)
			continue
		}
		b.onDatagram(buf[:n], from)
	}
}

// onDatagram applies spec.md §4.8's drop rules: wrong size, wrong config
// checksum, or the sender is this same node (a broadcast reaches its own
// socket on most platforms).
func (b *Beacon) onDatagram(data []byte, from net.Addr) {
	if len(data) != datagramSize {
		return
	}
	checksum, id, port := decodeDatagram(data)
	if checksum != b.cfg.Checksum {
		return
	}
	if id == b.cfg.MyID {
		return
	}
	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}
	addr := (&net.TCPAddr{IP: udpAddr.IP, Port: int(port)}).String()
	metrics.BeaconPeersLearned.Inc()
	if b.cfg.Learn != nil {
		b.cfg.Learn(id, addr)
	}
}

func encodeDatagram(checksum [32]byte, id types.NodeID, port uint16) []byte {
	out := make([]byte, datagramSize)
	copy(out[0:32], checksum[:])
	copy(out[32:64], id[:])
	binary.BigEndian.PutUint16(out[64:66], port)
	return out
}

func decodeDatagram(data []byte) (checksum [32]byte, id types.NodeID, port uint16) {
	copy(checksum[:], data[0:32])
	copy(id[:], data[32:64])
	port = binary.BigEndian.Uint16(data[64:66])
	return
}
