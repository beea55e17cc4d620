package adapter

import (
	"context"
	"sync"

	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/pkg/types"
)

var memory_log = log.NewLog("sio:adapter-memory")

type nspRoom struct {
	nsp  string
	room string
}

type nspSid struct {
	nsp string
	sid string
}

// MemoryAdapter keeps the room index in process memory. Broadcast
// operations are no-ops because the caller has already fanned out
// locally and there are no other nodes.
type MemoryAdapter struct {
	mu       sync.RWMutex
	serverId string
	rooms    map[nspRoom]*types.Set[string]
	sids     map[nspSid]*types.Set[string]
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		rooms: map[nspRoom]*types.Set[string]{},
		sids:  map[nspSid]*types.Set[string]{},
	}
}

func (a *MemoryAdapter) Init(serverId string, _ LocalSockets) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serverId = serverId
	return nil
}

func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rooms = map[nspRoom]*types.Set[string]{}
	a.sids = map[nspSid]*types.Set[string]{}
	return nil
}

func (a *MemoryAdapter) AddSocketToRoom(_ context.Context, sid, room, nsp string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rk, sk := nspRoom{nsp, room}, nspSid{nsp, sid}
	members, ok := a.rooms[rk]
	if !ok {
		members = types.NewSet[string]()
		a.rooms[rk] = members
		memory_log.Debug("create-room %s %s", nsp, room)
	}
	if !members.Has(sid) {
		members.Add(sid)
		memory_log.Debug("join-room %s %s %s", nsp, room, sid)
	}
	joined, ok := a.sids[sk]
	if !ok {
		joined = types.NewSet[string]()
		a.sids[sk] = joined
	}
	joined.Add(room)
	return nil
}

func (a *MemoryAdapter) RemoveSocketFromRoom(_ context.Context, sid, room, nsp string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remove(sid, room, nsp)
	return nil
}

func (a *MemoryAdapter) remove(sid, room, nsp string) {
	rk, sk := nspRoom{nsp, room}, nspSid{nsp, sid}
	if members, ok := a.rooms[rk]; ok {
		if members.Delete(sid) {
			memory_log.Debug("leave-room %s %s %s", nsp, room, sid)
		}
		if members.Len() == 0 {
			delete(a.rooms, rk)
			memory_log.Debug("delete-room %s %s", nsp, room)
		}
	}
	if joined, ok := a.sids[sk]; ok {
		joined.Delete(room)
		if joined.Len() == 0 {
			delete(a.sids, sk)
		}
	}
}

func (a *MemoryAdapter) RemoveSocketFromAllRooms(_ context.Context, sid, nsp string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if joined, ok := a.sids[nspSid{nsp, sid}]; ok {
		for _, room := range joined.Keys() {
			a.remove(sid, room, nsp)
		}
	}
	return nil
}

func (a *MemoryAdapter) GetSocketsInRoom(_ context.Context, room, nsp string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if members, ok := a.rooms[nspRoom{nsp, room}]; ok {
		return members.Keys(), nil
	}
	return nil, nil
}

func (a *MemoryAdapter) GetRoomsForSocket(_ context.Context, sid, nsp string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if joined, ok := a.sids[nspSid{nsp, sid}]; ok {
		return joined.Keys(), nil
	}
	return nil, nil
}

// Broadcast is a no-op: there are no remote nodes.
func (a *MemoryAdapter) Broadcast(context.Context, *Envelope) error { return nil }

// BroadcastToRoom is a no-op: there are no remote nodes.
func (a *MemoryAdapter) BroadcastToRoom(context.Context, string, *Envelope) error { return nil }

func (a *MemoryAdapter) Subscribe(Handler) {}

func (a *MemoryAdapter) Unsubscribe() {}

func (a *MemoryAdapter) GetServerIds(context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.serverId == "" {
		return nil, nil
	}
	return []string{a.serverId}, nil
}

func (a *MemoryAdapter) RegisterServer(context.Context) error { return nil }

func (a *MemoryAdapter) UnregisterServer(context.Context) error { return nil }
