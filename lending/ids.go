package lending

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type IDGen interface {
	New(t time.Time) (string, error)
}

// ulidGen hands out monotonic ULIDs, so sorting loan ids gives insertion order.
// ulid.Monotonic is not safe for concurrent use, hence the mutex.
type ulidGen struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newULIDGen() *ulidGen {
	return &ulidGen{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ulidGen) New(t time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
