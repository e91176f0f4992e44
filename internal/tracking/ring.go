package tracking

import "github.com/example/trip-coordinator/internal/models"

// ring is a fixed-capacity FIFO of positions; pushing onto a full ring
// evicts the oldest sample.
type ring struct {
	buf   []models.Position
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]models.Position, capacity)}
}

func (r *ring) push(p models.Position) (evicted bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = p
		r.n++
		return false
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
	return true
}

func (r *ring) len() int { return r.n }

// snapshot returns the samples oldest first.
func (r *ring) snapshot() []models.Position {
	out := make([]models.Position, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
