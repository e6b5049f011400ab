package native

import (
	"context"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
)

// Symbols are the three per-plugin exports, always resolved together from the
// same module so a handle can never be destroyed by a foreign destructor.
type Symbols struct {
	Create  func() uintptr
	Destroy func(handle uintptr)
	// Call dispatches op with a msgpack request and returns the status and
	// the response payload, already copied into Go memory.
	Call func(ctx context.Context, handle uintptr, op Op, in []byte) (Status, []byte)
}

// Module is an opened module exposing the ABI.
type Module interface {
	ABIVersion() (uint32, error)
	Resolve(name string, kind capability.Kind) (Symbols, error)
	Close() error
}
