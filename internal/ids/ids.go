package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Typed constructors prefix the ULID so identifiers stay greppable in logs
// and mixed-up arguments fail loudly in queries.

// NewIdentity returns an identifier for a managed identity.
func NewIdentity() string { return "idn_" + New() }

// NewRun returns an identifier for a workflow run.
func NewRun() string { return "run_" + New() }

// NewProxy returns an identifier for a pool proxy.
func NewProxy() string { return "pxy_" + New() }
