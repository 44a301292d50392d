// Package id mints time-sortable record identifiers.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator mints monotonic ULIDs. IDs minted within the same millisecond
// still sort in mint order, so created_at ties in the store break by id.
type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	mono io.Reader
}

// NewGenerator returns a Generator reading time from now (time.Now if nil).
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		now:  now,
		mono: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
	}
}

// New returns the next ULID string.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now().UTC()), g.mono)
	if err != nil {
		// only on entropy failure or a clock before the unix epoch
		panic(err)
	}
	return id.String()
}

var std = NewGenerator(nil)

// New returns a ULID from the process-wide generator.
func New() string {
	return std.New()
}

// Time extracts the mint time from a ULID string.
func Time(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()).UTC(), nil
}
