package fallback

import (
	"net"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Session is a per-client reply-pump: its own UDP socket dialed to the
// fallback endpoint, so replies from that endpoint are routed back to the
// originating client without confusing the main DNS listener socket.
type Session struct {
	Peer     *net.UDPAddr
	Conn     *net.UDPConn
	lastSeen time.Time
}

// SessionStore tracks active fallback sessions keyed by peer address,
// with the same 180s idle window and 30s GC cadence as classification.
type SessionStore struct {
	c *cache.Cache
}

func NewSessionStore() *SessionStore {
	return &SessionStore{c: cache.New(IdleWindow, GCInterval)}
}

// Get returns the active session for peer, if any.
func (s *SessionStore) Get(peer string) (*Session, bool) {
	v, ok := s.c.Get(peer)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// GetOrCreate returns the existing session for peer, or dials a new UDP
// socket to fallbackAddr and registers it.
func (s *SessionStore) GetOrCreate(peer *net.UDPAddr, fallbackAddr *net.UDPAddr) (*Session, bool, error) {
	if existing, ok := s.Get(peer.String()); ok {
		s.touch(peer.String())
		return existing, false, nil
	}

	conn, err := net.DialUDP("udp", nil, fallbackAddr)
	if err != nil {
		return nil, false, err
	}
	sess := &Session{Peer: peer, Conn: conn, lastSeen: time.Now()}
	s.c.Set(peer.String(), sess, IdleWindow)
	return sess, true, nil
}

// touch refreshes a session's idle window after it forwards traffic.
func (s *SessionStore) touch(peer string) {
	if v, ok := s.c.Get(peer); ok {
		s.c.Set(peer, v, IdleWindow)
	}
}

// Remove evicts a session and closes its socket, e.g. once it expires.
func (s *SessionStore) Remove(peer string) {
	if v, ok := s.c.Get(peer); ok {
		if sess, ok := v.(*Session); ok {
			sess.Conn.Close()
		}
	}
	s.c.Delete(peer)
}

// OnEvicted registers a callback invoked whenever go-cache's background
// sweep expires a session, so its socket is always closed even when no
// caller ever calls Remove explicitly.
func (s *SessionStore) OnEvicted(fn func(peer string, sess *Session)) {
	s.c.OnEvicted(func(key string, value interface{}) {
		fn(key, value.(*Session))
	})
}
