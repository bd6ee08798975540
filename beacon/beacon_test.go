package beacon

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/duskveil/node/types"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeRoundTrip checks the fixed 66-byte layout from spec.md
// §6 survives encode/decode.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	checksum := [32]byte{1, 2, 3}
	id := types.NodeID{4, 5, 6}
	payload := encodeDatagram(checksum, id, 30303)
	require.Len(t, payload, datagramSize)

	gotChecksum, gotID, gotPort := decodeDatagram(payload)
	require.Equal(t, checksum, gotChecksum)
	require.Equal(t, id, gotID)
	require.Equal(t, uint16(30303), gotPort)
}

// TestOnDatagramDropRules exercises the three drop conditions directly
// (spec.md §4.8): wrong size, wrong checksum, self id.
func TestOnDatagramDropRules(t *testing.T) {
	var learned []types.NodeID
	b := &Beacon{cfg: Config{
		Checksum: [32]byte{1},
		MyID:     types.NodeID{0xAA},
		Learn:    func(id types.NodeID, addr string) { learned = append(learned, id) },
	}}

	b.onDatagram([]byte{1, 2, 3}, nil) // wrong size
	require.Empty(t, learned)

	wrongChecksum := encodeDatagram([32]byte{9}, types.NodeID{0xBB}, 1)
	b.onDatagram(wrongChecksum, nil)
	require.Empty(t, learned)

	self := encodeDatagram([32]byte{1}, types.NodeID{0xAA}, 1)
	b.onDatagram(self, nil)
	require.Empty(t, learned, "a datagram carrying our own id must be dropped")
}

// TestTwoBeaconsLearnEachOtherNeverThemselves models S6: two nodes on the
// same LAN (here, loopback) exchange several datagrams; each must hand the
// other's id to Learn and never its own. Learn fires once per accepted
// datagram; keeping a single PeerInfo per identity is peermgr.Learn's job
// and is not exercised here.
func TestTwoBeaconsLearnEachOtherNeverThemselves(t *testing.T) {
	checksum := [32]byte{7, 7, 7}
	idA := types.NodeID{0xAA}
	idB := types.NodeID{0xBB}

	var mu sync.Mutex
	learnedByA := map[types.NodeID]int{}
	learnedByB := map[types.NodeID]int{}

	portA, portB := 31331, 31332

	a, err := New(Config{
		Port: portA, Period: 10 * time.Millisecond, Checksum: checksum,
		MyID: idA, ListenPort: 1001,
		Learn: func(id types.NodeID, addr string) {
			mu.Lock()
			learnedByA[id]++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer a.raw.Close()

	b, err := New(Config{
		Port: portB, Period: 10 * time.Millisecond, Checksum: checksum,
		MyID: idB, ListenPort: 1002,
		Learn: func(id types.NodeID, addr string) {
			mu.Lock()
			learnedByB[id]++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer b.raw.Close()

	// Beacon broadcasts to a fixed port, not to the peer's own bound
	// port, so point each instance's destination at the other's socket
	// by sending directly rather than through the ticker loop.
	go a.receiveLoop()
	go b.receiveLoop()

	send := func(from *Beacon, toPort int) {
		payload := encodeDatagram(from.cfg.Checksum, from.cfg.MyID, from.cfg.ListenPort)
		dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: toPort}
		from.raw.WriteToUDP(payload, dst)
	}

	for i := 0; i < 3; i++ {
		send(a, portB)
		send(b, portA)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return learnedByA[idB] > 0 && learnedByB[idA] > 0
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, learnedByA[idA], "a must never learn itself")
	require.Zero(t, learnedByB[idB], "b must never learn itself")
}
