package lua

// tm enumerates the metamethod events a table or userdata metatable can
// define. The out-of-scope VM is responsible for actually invoking one;
// this component only enumerates them and caches their interned names.
// Arithmetic metamethod dispatch beyond enumeration is out of scope.
type tm uint

const (
	tmIndex tm = iota
	tmNewIndex
	tmGC
	tmMode
	tmLen
	tmEq
	tmAdd
	tmSub
	tmMul
	tmDiv
	tmMod
	tmPow
	tmUnaryMinus
	tmLT
	tmLE
	tmConcat
	tmCall
	tmCount // number of tag methods
)

var eventNames = [...]string{
	tmIndex:      "__index",
	tmNewIndex:   "__newindex",
	tmGC:         "__gc",
	tmMode:       "__mode",
	tmLen:        "__len",
	tmEq:         "__eq",
	tmAdd:        "__add",
	tmSub:        "__sub",
	tmMul:        "__mul",
	tmDiv:        "__div",
	tmMod:        "__mod",
	tmPow:        "__pow",
	tmUnaryMinus: "__unm",
	tmLT:         "__lt",
	tmLE:         "__le",
	tmConcat:     "__concat",
	tmCall:       "__call",
}

var typeNames = [...]string{
	kindNil:           "nil",
	kindBoolean:       "boolean",
	kindNumber:        "number",
	kindLightUserData: "userdata",
	kindString:        "string",
	kindTable:         "table",
	kindClosure:       "function",
	kindUserData:      "userdata",
	kindThread:        "thread",
	kindProto:         "proto",
	kindUpvalue:       "upval",
}

// tagMethodName returns the interned, fixed name for event, lazily
// allocating it on first use. Fixed strings never move through the string
// sweep , so this cache never needs invalidating.
func (gc *GlobalState) tagMethodName(event tm) *GCString {
	if gc.tagMethodNames[event] == nil {
		gc.tagMethodNames[event] = gc.NewStringFixed(eventNames[event])
	}
	return gc.tagMethodNames[event]
}

// tagMethod looks up event in t's metatable, using t.flags as a negative
// cache: bit i set means event i is known absent, so once a lookup
// misses, later lookups for the same event skip straight to nil until
// the metatable changes.
func (gc *GlobalState) tagMethod(t *Table, event tm) value {
	if t.metatable == nil {
		return nil
	}
	if t.flags&(1<<event) != 0 {
		return nil
	}
	v := t.metatable.GetStr(gc.tagMethodName(event))
	if v == nil {
		t.flags |= 1 << event
	}
	return v
}

// metatableOf returns the metatable governing v, consulting gc's per-basic-
// type table for values that aren't themselves collectable-with-metatable
// (only Table and Userdata carry their own).
func (gc *GlobalState) metatableOf(v value) *Table {
	switch o := v.(type) {
	case *Table:
		return o.metatable
	case *Userdata:
		return o.metatable
	default:
		k := kindOf(v)
		if int(k) < len(gc.metatables) {
			return gc.metatables[k]
		}
		return nil
	}
}

// tagMethodByObject looks up event for an arbitrary value, dispatching to
// its own metatable (table/userdata) or gc's shared per-type metatable
// otherwise.
func (gc *GlobalState) tagMethodByObject(v value, event tm) value {
	mt := gc.metatableOf(v)
	if mt == nil {
		return nil
	}
	return mt.GetStr(gc.tagMethodName(event))
}

func kindOf(v value) kind {
	switch v := v.(type) {
	case nil:
		return kindNil
	case bool:
		return kindBoolean
	case float64:
		return kindNumber
	case LightUserData:
		return kindLightUserData
	case collectable:
		return v.gcHeader().tag
	default:
		return kindNil
	}
}

func typeName(v value) string {
	k := kindOf(v)
	if int(k) < len(typeNames) {
		return typeNames[k]
	}
	return "unknown"
}
