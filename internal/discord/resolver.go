package discord

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jonboulle/clockwork"
)

// Resolver turns Discord ids into display names for logs. Lookups hit the
// gateway state cache first, then REST, and are cached for TTL.
type Resolver struct {
	s     *discordgo.Session
	clock clockwork.Clock
	TTL   time.Duration

	mu       sync.Mutex
	users    map[string]cacheEntry
	channels map[string]cacheEntry
}

type cacheEntry struct {
	val    string
	expiry time.Time
}

func NewResolver(s *discordgo.Session, clock clockwork.Clock) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{
		s:        s,
		clock:    clock,
		TTL:      5 * time.Minute,
		users:    make(map[string]cacheEntry),
		channels: make(map[string]cacheEntry),
	}
}

func (r *Resolver) cached(m map[string]cacheEntry, id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := m[id]; ok {
		if r.clock.Now().Before(e.expiry) {
			return e.val, true
		}
		delete(m, id)
	}
	return "", false
}

func (r *Resolver) store(m map[string]cacheEntry, id, val string) {
	r.mu.Lock()
	m[id] = cacheEntry{val: val, expiry: r.clock.Now().Add(r.TTL)}
	r.mu.Unlock()
}

// UserName returns the username for id, or "" when it cannot be found.
func (r *Resolver) UserName(id string) string {
	if id == "" {
		return ""
	}
	if v, ok := r.cached(r.users, id); ok {
		return v
	}
	if r.s == nil {
		return ""
	}
	u, err := r.s.User(id)
	if err != nil || u == nil {
		return ""
	}
	r.store(r.users, id, u.Username)
	return u.Username
}

// ChannelName returns the channel name for id, or "".
func (r *Resolver) ChannelName(id string) string {
	if id == "" {
		return ""
	}
	if v, ok := r.cached(r.channels, id); ok {
		return v
	}
	if r.s == nil {
		return ""
	}
	if r.s.State != nil {
		if c, err := r.s.State.Channel(id); err == nil && c != nil {
			r.store(r.channels, id, c.Name)
			return c.Name
		}
	}
	c, err := r.s.Channel(id)
	if err != nil || c == nil {
		return ""
	}
	r.store(r.channels, id, c.Name)
	return c.Name
}
