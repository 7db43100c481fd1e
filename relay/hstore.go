package relay

import (
	"sync"
)

// HandlerStore keeps local sessions and the group rooms they joined.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
	// group id -> sid -> handler
	rooms map[string]map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{
		handlers: make(map[string]*Handler),
		rooms:    make(map[string]map[string]*Handler),
	}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.session.Sid] = handler
	hs.Unlock()
}

// del removes the session from the store and all rooms, returning the
// groups it was in. ok is false if it was already removed.
func (hs *HandlerStore) del(sid string) (groups []string, ok bool) {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; !ok {
		return nil, false
	}
	delete(hs.handlers, sid)
	for groupID, room := range hs.rooms {
		if _, in := room[sid]; in {
			groups = append(groups, groupID)
			hs.leaveLocked(groupID, sid)
		}
	}
	return groups, true
}

// join returns false if the handler was already in the room.
func (hs *HandlerStore) join(groupID string, handler *Handler) bool {
	hs.Lock()
	defer hs.Unlock()
	sid := handler.session.Sid
	if _, ok := hs.handlers[sid]; !ok {
		return false
	}
	room := hs.rooms[groupID]
	if room == nil {
		room = make(map[string]*Handler)
		hs.rooms[groupID] = room
	}
	if _, ok := room[sid]; ok {
		return false
	}
	room[sid] = handler
	return true
}

func (hs *HandlerStore) leave(groupID, sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	return hs.leaveLocked(groupID, sid)
}

func (hs *HandlerStore) leaveLocked(groupID, sid string) bool {
	room := hs.rooms[groupID]
	if _, ok := room[sid]; !ok {
		return false
	}
	delete(room, sid)
	if len(room) == 0 {
		delete(hs.rooms, groupID)
	}
	return true
}

func (hs *HandlerStore) joined(groupID, sid string) bool {
	hs.RLock()
	defer hs.RUnlock()
	_, ok := hs.rooms[groupID][sid]
	return ok
}

func (hs *HandlerStore) room(groupID string) []*Handler {
	hs.RLock()
	defer hs.RUnlock()
	room := hs.rooms[groupID]
	out := make([]*Handler, 0, len(room))
	for _, h := range room {
		out = append(out, h)
	}
	return out
}

func (hs *HandlerStore) count() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

func (hs *HandlerStore) close() {
	hs.RLock()
	handlers := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		handlers = append(handlers, h)
	}
	hs.RUnlock()
	for _, h := range handlers {
		h.close(ServerStop)
	}
}
