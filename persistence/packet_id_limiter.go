package persistence

import (
	"sync"

	"github.com/zhimiaox/zmqx-retain/packets"
)

// PacketIDLimiter limit the generation of packet id to keep the number of inflight messages
// always less or equal than the inflight setting of the client.
type PacketIDLimiter interface {
	// PollPacketIDs returns at most max number of unused packetID and marks them as used for a client.
	// If there is no available id, the call will be blocked until at least one packet id is available or the limiter has been closed.
	// return nil means the limiter is closed.
	// the return number = min(max, limit - used).
	PollPacketIDs(max uint16) []packets.PacketID
	// Release marks the given id as unused
	Release(id packets.PacketID)
	BatchRelease(id []packets.PacketID)
	// Used returns the number of ids in use.
	Used() uint16
	Close()
}

type packetIdLimiterImpl struct {
	cond      *sync.Cond
	used      uint16
	limit     uint16
	exit      bool
	lockedPid idSet            // packet id in-use
	freePid   packets.PacketID // next available id
}

func NewPacketIDLimiter(limit uint16) PacketIDLimiter {
	return &packetIdLimiterImpl{
		cond:      sync.NewCond(&sync.Mutex{}),
		used:      0,
		limit:     limit,
		exit:      false,
		freePid:   packets.MinPacketID,
		lockedPid: make(idSet, int(packets.MaxPacketID)/64+1),
	}
}

func (p *packetIdLimiterImpl) Close() {
	p.cond.L.Lock()
	p.exit = true
	p.cond.L.Unlock()
	p.cond.Broadcast()
}

func (p *packetIdLimiterImpl) PollPacketIDs(max uint16) []packets.PacketID {
	p.cond.L.Lock()
	defer p.cond.L.Unlock()
	for p.used >= p.limit && !p.exit {
		p.cond.Wait()
	}
	if p.exit {
		return nil
	}
	n := max
	if remain := p.limit - p.used; remain < max {
		n = remain
	}
	id := make([]packets.PacketID, 0, n)
	for j := uint16(0); j < n; j++ {
		for p.lockedPid.has(p.freePid) {
			p.freePid = nextPacketID(p.freePid)
		}
		id = append(id, p.freePid)
		p.used++
		p.lockedPid.set(p.freePid)
		p.freePid = nextPacketID(p.freePid)
	}
	return id
}

// idSet is a bitset over the packet id space.
type idSet []uint64

func (s idSet) has(id packets.PacketID) bool {
	return s[id/64]&(1<<(id%64)) != 0
}

func (s idSet) set(id packets.PacketID) {
	s[id/64] |= 1 << (id % 64)
}

func (s idSet) clear(id packets.PacketID) {
	s[id/64] &^= 1 << (id % 64)
}

func nextPacketID(id packets.PacketID) packets.PacketID {
	if id == packets.MaxPacketID {
		return packets.MinPacketID
	}
	return id + 1
}

func (p *packetIdLimiterImpl) Release(id packets.PacketID) {
	p.cond.L.Lock()
	p.releaseLocked(id)
	p.cond.L.Unlock()
	p.cond.Signal()
}

func (p *packetIdLimiterImpl) releaseLocked(id packets.PacketID) {
	if p.lockedPid.has(id) {
		p.lockedPid.clear(id)
		p.used--
	}
}

func (p *packetIdLimiterImpl) BatchRelease(id []packets.PacketID) {
	p.cond.L.Lock()
	for _, v := range id {
		p.releaseLocked(v)
	}
	p.cond.L.Unlock()
	p.cond.Signal()
}

func (p *packetIdLimiterImpl) Used() uint16 {
	p.cond.L.Lock()
	defer p.cond.L.Unlock()
	return p.used
}
