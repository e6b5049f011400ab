package scripted

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// vm owns one interpreter and the plugin instance living in it. Every call
// holds mu; an LState is not safe for concurrent use.
type vm struct {
	mu     sync.Mutex
	L      *lua.LState
	self   *lua.LTable
	plugin string
	closed bool
}

// call invokes self:method(args...) and returns its single result.
// A missing method yields (nil, false, nil).
func (v *vm) call(ctx context.Context, method string, kind capability.ErrorKind, args ...lua.LValue) (lua.LValue, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, false, capability.FatalError("plugin %s interpreter already closed", v.plugin)
	}
	fn, ok := v.L.GetField(v.self, method).(*lua.LFunction)
	if !ok {
		return nil, false, nil
	}
	params := make([]lua.LValue, 0, len(args)+1)
	params = append(params, v.self)
	params = append(params, args...)

	ret, err := v.protected(ctx, fn, kind, method, params...)
	return ret, true, err
}

// callFn invokes a bare function value, such as a stream iterator.
func (v *vm) callFn(ctx context.Context, fn *lua.LFunction, kind capability.ErrorKind, label string) (lua.LValue, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, capability.FatalError("plugin %s interpreter already closed", v.plugin)
	}
	return v.protected(ctx, fn, kind, label)
}

func (v *vm) protected(ctx context.Context, fn *lua.LFunction, kind capability.ErrorKind, label string, args ...lua.LValue) (lua.LValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.L.SetContext(ctx)
	defer v.L.RemoveContext()

	top := v.L.GetTop()
	if err := v.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		v.L.SetTop(top)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, translate(err, kind, label)
	}
	ret := v.L.Get(-1)
	v.L.Pop(1)
	return ret, nil
}

func (v *vm) toLua(rec record.Record) lua.LValue {
	v.mu.Lock()
	defer v.mu.Unlock()
	if rec == nil {
		rec = record.Record{}
	}
	return recordToLua(v.L, rec)
}

func (v *vm) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.L.Close()
}

// translate turns a raised Lua error into a tagged error. Scripts may raise
// error({kind = "data", message = "...", details = {...}}); plain string
// errors take the natural kind of the method that raised them.
func translate(err error, kind capability.ErrorKind, label string) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return capability.NewError(kind, fmt.Sprintf("%s: %v", label, err), nil)
	}

	if tbl, ok := apiErr.Object.(*lua.LTable); ok {
		tagged := capability.NewError(kind, "", nil)
		if k, ok := tbl.RawGetString("kind").(lua.LString); ok {
			switch capability.ErrorKind(k) {
			case capability.ErrorConfig, capability.ErrorConnect, capability.ErrorData, capability.ErrorFatal, capability.ErrorClose:
				tagged.Kind = capability.ErrorKind(k)
			}
		}
		if msg, ok := tbl.RawGetString("message").(lua.LString); ok {
			tagged.Message = string(msg)
		}
		if details, ok := tbl.RawGetString("details").(*lua.LTable); ok {
			if rec, convErr := tableToRecord(details); convErr == nil {
				tagged.Details = rec
			}
		}
		if tagged.Message == "" {
			tagged.Message = label + " raised an error"
		}
		return tagged
	}

	msg := apiErr.Object.String()
	if apiErr.Object == lua.LNil || msg == "" {
		msg = apiErr.Error()
	}
	return capability.NewError(kind, fmt.Sprintf("%s: %s", label, msg), nil)
}

type source struct{ *vm }

func (s source) Connect(ctx context.Context, config record.Record) error {
	_, _, err := s.call(ctx, "connect", capability.ErrorConnect, s.toLua(config))
	return err
}

func (s source) Read(ctx context.Context) (capability.Stream, error) {
	ret, ok, err := s.call(ctx, "read", capability.ErrorData)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, capability.FatalError("plugin %s has no read method", s.plugin)
	}

	switch t := ret.(type) {
	case *lua.LFunction:
		return &iterator{vm: s.vm, fn: t}, nil
	case *lua.LTable:
		items, err := tableToValue(t)
		if err != nil {
			return nil, capability.DataError("read returned an unusable table: %v", err)
		}
		list, isList := items.AsList()
		if !isList {
			if rec, isMap := items.AsMap(); isMap && len(rec) == 0 {
				return capability.NewSliceStream(), nil
			}
			return nil, capability.DataError("read must return an iterator function or a list of records")
		}
		recs := make([]record.Record, 0, len(list))
		for i, item := range list {
			rec, ok := item.AsMap()
			if !ok {
				return nil, capability.DataError("read item %d is a %s, want record", i+1, item.Kind())
			}
			recs = append(recs, rec)
		}
		return capability.NewSliceStream(recs...), nil
	}
	return nil, capability.DataError("read must return an iterator function, got %s", ret.Type())
}

func (s source) Schema(ctx context.Context) (record.Record, error) {
	ret, ok, err := s.call(ctx, "schema", capability.ErrorConfig)
	if err != nil || !ok {
		return record.Record{}, err
	}
	rec, err := luaRecord(ret)
	if err != nil {
		return nil, capability.ConfigError("schema: %v", err)
	}
	return rec, nil
}

func (s source) Close(ctx context.Context) error {
	_, _, err := s.call(ctx, "close", capability.ErrorClose)
	return err
}

type iterator struct {
	*vm
	fn *lua.LFunction
}

func (it *iterator) Next(ctx context.Context) (record.Record, error) {
	ret, err := it.callFn(ctx, it.fn, capability.ErrorData, "read")
	if err != nil {
		return nil, err
	}
	if ret == lua.LNil {
		return nil, io.EOF
	}
	rec, err := luaRecord(ret)
	if err != nil {
		return nil, capability.DataError("read: %v", err)
	}
	return rec, nil
}

type enrichment struct{ *vm }

func (e enrichment) Process(ctx context.Context, rec record.Record, config record.Record) (record.Record, error) {
	ret, ok, err := e.call(ctx, "process", capability.ErrorData, e.toLua(rec), e.toLua(config))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, capability.FatalError("plugin %s has no process method", e.plugin)
	}
	out, err := luaRecord(ret)
	if err != nil {
		return nil, capability.DataError("process: %v", err)
	}
	return out, nil
}

func (e enrichment) Init(ctx context.Context, config record.Record) error {
	_, _, err := e.call(ctx, "init", capability.ErrorConfig, e.toLua(config))
	return err
}
