// Package scripted loads plugins written in Lua.
//
// An entry point "path/to/plugin.lua:Name" names a global defined by the
// script: either a class table with a new function or a factory function.
// Either way the result must be an instance table carrying the capability's
// methods:
//
//	source_connector:    connect(self, config), read(self), schema(self), close(self)
//	enrichment_function: process(self, record, config), optional init(self, config)
//
// read returns an iterator function yielding one record table per call and
// nil at the end, or a list of record tables.
package scripted

import (
	"context"
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/alexisbeaulieu97/flowplug/internal/loader"
	"github.com/alexisbeaulieu97/flowplug/internal/logger"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
)

// Loader implements loader.Loader for the scripted kind. Each load gets its
// own interpreter, so handles never share script state.
type Loader struct {
	log *logger.Logger
}

// NewLoader returns a scripted Loader.
func NewLoader(log *logger.Logger) *Loader {
	return &Loader{log: log}
}

// Kind implements loader.Loader.
func (l *Loader) Kind() manifest.LoaderKind { return manifest.LoaderScripted }

// Load implements loader.Loader.
func (l *Loader) Load(ctx context.Context, m manifest.Manifest) (capability.Implementation, loader.Release, error) {
	var impl capability.Implementation

	script, name, err := m.ScriptTarget()
	if err != nil {
		return impl, nil, loader.NewLoadError(m, "parse entry point", err)
	}
	if _, err := os.Stat(script); err != nil {
		return impl, nil, loader.NewLoadError(m, "open script", err)
	}

	L := newState()
	L.SetContext(ctx)
	fail := func(reason string, err error) (capability.Implementation, loader.Release, error) {
		L.Close()
		return impl, nil, loader.NewLoadError(m, reason, err)
	}

	if err := L.DoFile(script); err != nil {
		return fail("import script", err)
	}

	self, err := instantiate(L, name)
	if err != nil {
		return fail("instantiate "+name, err)
	}
	L.RemoveContext()

	required := "process"
	if m.Capability == capability.KindSourceConnector {
		required = "read"
	}
	if _, ok := L.GetField(self, required).(*lua.LFunction); !ok {
		return fail("instantiate "+name, fmt.Errorf("instance has no %s method", required))
	}

	machine := &vm{L: L, self: self, plugin: m.Name}
	if m.Capability == capability.KindSourceConnector {
		impl = capability.FromSource(source{machine})
	} else {
		impl = capability.FromEnrichment(enrichment{machine})
	}

	l.log.Debug("loaded scripted plugin", "plugin", m.Name, "script", script)
	return impl, loader.Once(machine.close), nil
}

func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	return L
}

// instantiate resolves name and constructs the instance table.
func instantiate(L *lua.LState, name string) (*lua.LTable, error) {
	target := L.GetGlobal(name)

	var (
		ctor lua.LValue
		args []lua.LValue
	)
	switch t := target.(type) {
	case *lua.LFunction:
		ctor = t
	case *lua.LTable:
		fn, ok := L.GetField(t, "new").(*lua.LFunction)
		if !ok {
			return nil, fmt.Errorf("class %s has no new function", name)
		}
		ctor = fn
		args = []lua.LValue{t}
	default:
		return nil, fmt.Errorf("global %s is %s, want a class table or factory function", name, target.Type())
	}

	if err := L.CallByParam(lua.P{Fn: ctor, NRet: 1, Protect: true}, args...); err != nil {
		return nil, fmt.Errorf("constructor raised: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	self, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("constructor returned %s, want an instance table", ret.Type())
	}
	return self, nil
}
