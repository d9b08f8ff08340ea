package telegraph

import "sync"

// ChannelGuard allows at most one response cycle per channel at a time.
// Locks live in process memory only: they are not shared between instances
// and are lost on restart, which abandons any in-flight cycle.
type ChannelGuard struct {
	held sync.Map // channelID -> struct{}
}

// NewChannelGuard creates an empty ChannelGuard.
func NewChannelGuard() *ChannelGuard {
	return &ChannelGuard{}
}

// TryAcquire takes the lock for channelID without blocking. On success it
// returns a release func that is safe to call more than once; callers should
// defer it. ok is false when a cycle already holds the channel.
func (g *ChannelGuard) TryAcquire(channelID string) (release func(), ok bool) {
	if _, loaded := g.held.LoadOrStore(channelID, struct{}{}); loaded {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.held.Delete(channelID) })
	}, true
}

// Held reports whether a cycle currently holds channelID.
func (g *ChannelGuard) Held(channelID string) bool {
	_, ok := g.held.Load(channelID)
	return ok
}
