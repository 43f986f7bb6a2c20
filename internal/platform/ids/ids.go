package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type IDGen interface{ NewULID(t time.Time) string }

// ulidGen shares one monotonic entropy source so ids minted in the same
// millisecond still sort in creation order.
type ulidGen struct {
	mu      sync.Mutex
	entropy io.Reader
}

func NewULIDGen() IDGen {
	return &ulidGen{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ulidGen) NewULID(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}
