package feed

import "sync"

// ScrollTrigger turns a stream of "near the bottom" observations into at most
// one fire per arrival at the bottom. It re-arms once the bottom is left.
type ScrollTrigger struct {
	mu    sync.Mutex
	armed bool
	fire  func()
}

// NewScrollTrigger returns an armed trigger.
func NewScrollTrigger(fire func()) *ScrollTrigger {
	return &ScrollTrigger{armed: true, fire: fire}
}

// Observe reports the latest scroll position and whether it fired.
func (s *ScrollTrigger) Observe(nearBottom bool) bool {
	s.mu.Lock()
	if !nearBottom {
		s.armed = true
		s.mu.Unlock()
		return false
	}
	if !s.armed {
		s.mu.Unlock()
		return false
	}
	s.armed = false
	s.mu.Unlock()
	s.fire()
	return true
}
