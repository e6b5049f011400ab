//go:build !(darwin || linux)

package native

import (
	"fmt"
	"runtime"
)

// OpenDynamic is unavailable on this platform; only builtin modules load.
func OpenDynamic(path string) (Module, error) {
	return nil, fmt.Errorf("shared library plugins are not supported on %s", runtime.GOOS)
}
