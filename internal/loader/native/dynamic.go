//go:build darwin || linux

package native

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
)

// dynamicModule is a shared library opened with dlopen.
type dynamicModule struct {
	path   string
	handle uintptr
	free   func(buf *byte, n uint64)

	closeOnce sync.Once
	closeErr  error
}

// OpenDynamic opens the shared library at path.
func OpenDynamic(path string) (Module, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}

	m := &dynamicModule{path: path, handle: handle}
	sym, err := purego.Dlsym(handle, FreeSymbol)
	if err != nil {
		_ = purego.Dlclose(handle)
		return nil, fmt.Errorf("module %s does not export %s: %w", path, FreeSymbol, err)
	}
	purego.RegisterFunc(&m.free, sym)
	return m, nil
}

func (m *dynamicModule) ABIVersion() (uint32, error) {
	sym, err := purego.Dlsym(m.handle, ABIVersionSymbol)
	if err != nil {
		return 0, fmt.Errorf("module %s does not export %s: %w", m.path, ABIVersionSymbol, err)
	}
	var version func() uint32
	purego.RegisterFunc(&version, sym)
	return version(), nil
}

func (m *dynamicModule) Resolve(name string, kind capability.Kind) (Symbols, error) {
	lookup := func(prefix string) (uintptr, error) {
		symbol := SymbolName(prefix, name, kind)
		addr, err := purego.Dlsym(m.handle, symbol)
		if err != nil {
			return 0, fmt.Errorf("module %s does not export %s: %w", m.path, symbol, err)
		}
		return addr, nil
	}

	createAddr, err := lookup("create")
	if err != nil {
		return Symbols{}, err
	}
	destroyAddr, err := lookup("destroy")
	if err != nil {
		return Symbols{}, err
	}
	callAddr, err := lookup("call")
	if err != nil {
		return Symbols{}, err
	}

	var (
		create  func() uintptr
		destroy func(handle uintptr)
		call    func(handle uintptr, op uint32, in *byte, inLen uint64, out **byte, outLen *uint64) int32
	)
	purego.RegisterFunc(&create, createAddr)
	purego.RegisterFunc(&destroy, destroyAddr)
	purego.RegisterFunc(&call, callAddr)

	return Symbols{
		Create:  create,
		Destroy: destroy,
		Call: func(ctx context.Context, handle uintptr, op Op, in []byte) (Status, []byte) {
			var (
				inPtr  *byte
				outPtr *byte
				outLen uint64
			)
			if len(in) > 0 {
				inPtr = &in[0]
			}
			status := Status(call(handle, uint32(op), inPtr, uint64(len(in)), &outPtr, &outLen))
			runtime.KeepAlive(in)

			if outPtr == nil || outLen == 0 {
				return status, nil
			}
			out := make([]byte, outLen)
			copy(out, unsafe.Slice(outPtr, outLen))
			m.free(outPtr, outLen)
			return status, out
		},
	}, nil
}

func (m *dynamicModule) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = purego.Dlclose(m.handle)
	})
	return m.closeErr
}
