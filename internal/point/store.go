package point

import (
	"log/slog"
	"sync"
	"time"
)

// Store keeps the last value of every declared point and fans new values
// out to subscribers. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	points []Sample
	byName map[string]Handle
	subs   map[int]chan Sample
	nextID int
	now    func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byName: make(map[string]Handle),
		subs:   make(map[int]chan Sample),
		now:    time.Now,
	}
}

// Declare adds a point and returns its handle. Declaring a name twice
// returns the existing handle.
func (s *Store) Declare(m Meta) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.byName[m.Name]; ok {
		return h
	}
	h := Handle(len(s.points))
	s.points = append(s.points, Sample{Handle: h, Meta: m})
	s.byName[m.Name] = h
	return h
}

// Publish records v for h and notifies subscribers. Subscribers that are
// not keeping up miss the sample rather than blocking the publisher.
func (s *Store) Publish(h Handle, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h) < 0 || int(h) >= len(s.points) {
		slog.Warn("[POINT] publish to unknown handle", "handle", h)
		return
	}
	p := &s.points[h]
	p.Value = v
	p.Valid = true
	p.Stamp = s.now()
	for _, ch := range s.subs {
		select {
		case ch <- *p:
		default:
			slog.Debug("[POINT] subscriber full, dropping sample", "point", p.Name)
		}
	}
}

// Get returns the current sample for h.
func (s *Store) Get(h Handle) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(h) < 0 || int(h) >= len(s.points) {
		return Sample{}, false
	}
	return s.points[h], true
}

// Lookup returns the handle declared under name.
func (s *Store) Lookup(name string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byName[name]
	return h, ok
}

// Snapshot returns every point in declaration order.
func (s *Store) Snapshot() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, len(s.points))
	copy(out, s.points)
	return out
}

// Subscribe returns a channel receiving every published sample and a
// function that cancels the subscription and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Sample, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Sample, buffer)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
