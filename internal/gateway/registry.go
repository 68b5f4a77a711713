package gateway

import "sync"

// session tracks who has joined one match on this process
type session struct {
	players []string // join order
	started bool
}

func (s *session) has(playerID string) bool {
	for _, p := range s.players {
		if p == playerID {
			return true
		}
	}
	return false
}

func (s *session) remove(playerID string) {
	for i, p := range s.players {
		if p == playerID {
			s.players = append(s.players[:i], s.players[i+1:]...)
			return
		}
	}
}

// Registry is the live connection registry of one gateway process. It maps
// connections to players in both directions, tracks the match rooms each
// connection has joined, and the ordered set of players joined per match.
// Every method runs under one lock, so a disconnect is applied to all maps at once.
type Registry struct {
	mu           sync.Mutex
	connToPlayer map[string]string
	playerToConn map[string]string
	connRooms    map[string]map[string]struct{}
	roomConns    map[string]map[string]struct{}
	sessions     map[string]*session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		connToPlayer: make(map[string]string),
		playerToConn: make(map[string]string),
		connRooms:    make(map[string]map[string]struct{}),
		roomConns:    make(map[string]map[string]struct{}),
		sessions:     make(map[string]*session),
	}
}

// Join binds connID to playerID, puts the connection in the match room and
// adds the player to the match's joined set. It returns the number of joined
// players after the call.
func (r *Registry) Join(connID, playerID, matchID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	// a connection that logs in as someone else drops its old identity
	if prev, ok := r.connToPlayer[connID]; ok && prev != playerID && r.playerToConn[prev] == connID {
		delete(r.playerToConn, prev)
	}
	r.connToPlayer[connID] = playerID
	r.playerToConn[playerID] = connID

	if r.connRooms[connID] == nil {
		r.connRooms[connID] = make(map[string]struct{})
	}
	r.connRooms[connID][matchID] = struct{}{}
	if r.roomConns[matchID] == nil {
		r.roomConns[matchID] = make(map[string]struct{})
	}
	r.roomConns[matchID][connID] = struct{}{}

	s, ok := r.sessions[matchID]
	if !ok {
		s = &session{}
		r.sessions[matchID] = s
	}
	if !s.has(playerID) {
		s.players = append(s.players, playerID)
	}
	return len(s.players)
}

// PlayerFor returns the player bound to a connection
func (r *Registry) PlayerFor(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.connToPlayer[connID]
	return p, ok
}

// ConnFor returns the connection a player is using
func (r *Registry) ConnFor(playerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.playerToConn[playerID]
	return c, ok
}

// Rooms returns the match rooms a connection has joined
func (r *Registry) Rooms(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.connRooms[connID]))
	for room := range r.connRooms[connID] {
		rooms = append(rooms, room)
	}
	return rooms
}

// RoomMembers returns the connections in a match room, excluding except
func (r *Registry) RoomMembers(matchID, except string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]string, 0, len(r.roomConns[matchID]))
	for conn := range r.roomConns[matchID] {
		if conn != except {
			members = append(members, conn)
		}
	}
	return members
}

// Leave forgets a connection: its player binding and its room memberships.
// With prune set the player is also removed from every joined set the
// connection was in, freeing the slot, unless the player is still bound to
// another connection. Without prune the player keeps counting toward quorum.
func (r *Registry) Leave(connID string, prune bool) (playerID string, rooms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	playerID = r.connToPlayer[connID]
	delete(r.connToPlayer, connID)
	if playerID != "" && r.playerToConn[playerID] == connID {
		delete(r.playerToConn, playerID)
	}

	for room := range r.connRooms[connID] {
		rooms = append(rooms, room)
		delete(r.roomConns[room], connID)
		if len(r.roomConns[room]) == 0 {
			delete(r.roomConns, room)
		}
		if prune && playerID != "" {
			if _, live := r.playerToConn[playerID]; live {
				continue
			}
			if s, ok := r.sessions[room]; ok && !s.started {
				s.remove(playerID)
			}
		}
	}
	delete(r.connRooms, connID)
	return playerID, rooms
}

// Players returns the joined players of a match in join order
func (r *Registry) Players(matchID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[matchID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), s.players...), true
}

// Started reports whether a start was already issued for a match
func (r *Registry) Started(matchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[matchID]
	return ok && s.started
}

// MarkStarted flips the started flag. It returns false if the session is
// missing or was already started.
func (r *Registry) MarkStarted(matchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[matchID]
	if !ok || s.started {
		return false
	}
	s.started = true
	return true
}

// Forget drops the session of a match
func (r *Registry) Forget(matchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, matchID)
}

// SessionCount returns the number of tracked matches
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
