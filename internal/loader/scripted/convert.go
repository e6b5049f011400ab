package scripted

import (
	"errors"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"

	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// toLua converts a value into a fresh Lua value owned by L.
func toLua(L *lua.LState, v record.Value) lua.LValue {
	switch v.Kind() {
	case record.KindBool:
		b, _ := v.AsBool()
		return lua.LBool(b)
	case record.KindNumber:
		n, _ := v.AsNumber()
		return lua.LNumber(n)
	case record.KindString:
		s, _ := v.AsString()
		return lua.LString(s)
	case record.KindList:
		items, _ := v.AsList()
		tbl := L.CreateTable(len(items), 0)
		for _, item := range items {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case record.KindMap:
		rec, _ := v.AsMap()
		return recordToLua(L, rec)
	default:
		return lua.LNil
	}
}

func recordToLua(L *lua.LState, rec record.Record) *lua.LTable {
	tbl := L.CreateTable(0, len(rec))
	for _, key := range rec.Keys() {
		tbl.RawSetString(key, toLua(L, rec[key]))
	}
	return tbl
}

// maxTableDepth bounds how deeply nested a returned table may be.
const maxTableDepth = 64

var errNesting = errors.New("cyclic or too deeply nested table")

// fromLua converts a Lua value into a tagged value. Tables whose keys are
// exactly 1..n become lists; other tables must be keyed by strings. An empty
// table becomes an empty map.
func fromLua(v lua.LValue) (record.Value, error) {
	return newConverter().value(v)
}

func tableToValue(tbl *lua.LTable) (record.Value, error) {
	return newConverter().table(tbl)
}

func tableToRecord(tbl *lua.LTable) (record.Record, error) {
	return newConverter().record(tbl)
}

// converter tracks the tables on the current path so a table that contains
// itself is reported instead of recursing forever. A table reachable twice
// through different keys is fine.
type converter struct {
	path map[*lua.LTable]bool
}

func newConverter() *converter {
	return &converter{path: make(map[*lua.LTable]bool)}
}

func (c *converter) value(v lua.LValue) (record.Value, error) {
	switch t := v.(type) {
	case *lua.LNilType:
		return record.Null(), nil
	case lua.LBool:
		return record.Bool(bool(t)), nil
	case lua.LNumber:
		return record.Number(float64(t)), nil
	case lua.LString:
		return record.String(string(t)), nil
	case *lua.LTable:
		return c.table(t)
	}
	return record.Value{}, fmt.Errorf("cannot convert lua %s to a record value", v.Type())
}

func (c *converter) enter(tbl *lua.LTable) error {
	if c.path[tbl] || len(c.path) >= maxTableDepth {
		return errNesting
	}
	c.path[tbl] = true
	return nil
}

func (c *converter) leave(tbl *lua.LTable) { delete(c.path, tbl) }

func (c *converter) table(tbl *lua.LTable) (record.Value, error) {
	n := tbl.MaxN()
	count := 0
	isList := true
	tbl.ForEach(func(key, _ lua.LValue) {
		count++
		num, ok := key.(lua.LNumber)
		if !ok || float64(num) != math.Trunc(float64(num)) || int(num) < 1 || int(num) > n {
			isList = false
		}
	})

	if count > 0 && isList && count == n {
		if err := c.enter(tbl); err != nil {
			return record.Value{}, err
		}
		defer c.leave(tbl)

		items := make([]record.Value, 0, n)
		for i := 1; i <= n; i++ {
			item, err := c.value(tbl.RawGetInt(i))
			if err != nil {
				return record.Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items = append(items, item)
		}
		return record.List(items...), nil
	}

	rec, err := c.record(tbl)
	if err != nil {
		return record.Value{}, err
	}
	return record.Map(rec), nil
}

func (c *converter) record(tbl *lua.LTable) (record.Record, error) {
	if err := c.enter(tbl); err != nil {
		return nil, err
	}
	defer c.leave(tbl)

	rec := record.Record{}
	var convErr error
	tbl.ForEach(func(key, value lua.LValue) {
		if convErr != nil {
			return
		}
		name, ok := key.(lua.LString)
		if !ok {
			convErr = fmt.Errorf("table key %v is a %s, want string", key, key.Type())
			return
		}
		item, err := c.value(value)
		if err != nil {
			convErr = fmt.Errorf("key %q: %w", string(name), err)
			return
		}
		rec[string(name)] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return rec, nil
}

// luaRecord converts a value returned by a script into a record.
func luaRecord(v lua.LValue) (record.Record, error) {
	switch t := v.(type) {
	case *lua.LNilType:
		return record.Record{}, nil
	case *lua.LTable:
		val, err := tableToValue(t)
		if err != nil {
			return nil, err
		}
		rec, ok := val.AsMap()
		if !ok {
			return nil, fmt.Errorf("expected a record table, got a list")
		}
		return rec, nil
	}
	return nil, fmt.Errorf("expected a record table, got %s", v.Type())
}
