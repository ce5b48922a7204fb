package lua

import "reflect"

// value is the dynamically-typed union exchanged with tables and reachable
// by the collector: nil, bool, float64, LightUserData, or a pointer to one
// of the collectable object kinds below. It plays the same role as go-lua's
// `value interface{}`, generalized to carry an explicit GC header on every
// collectable instead of relying on Go's own collector to reclaim memory.
type value interface{}

// LightUserData is an opaque host pointer, exchanged like any other value
// but never owned or traced by the collector.
type LightUserData uintptr

// kind is the 8-bit type discriminator carried by every object header.
type kind uint8

const (
	kindNil kind = iota
	kindBoolean
	kindNumber
	kindLightUserData
	kindString
	kindTable
	kindClosure
	kindUserData
	kindThread
	kindProto
	kindUpvalue
)

func (k kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

var kindNames = [...]string{
	kindNil:            "nil",
	kindBoolean:        "boolean",
	kindNumber:         "number",
	kindLightUserData:  "light userdata",
	kindString:         "string",
	kindTable:          "table",
	kindClosure:        "closure",
	kindUserData:       "userdata",
	kindThread:         "thread",
	kindProto:          "proto",
	kindUpvalue:        "upvalue",
}

// Mark-bit layout, ported unchanged from lgc.h's `marked` field:
//
//	bit 0 - white (generation A)
//	bit 1 - white (generation B)
//	bit 2 - black
//	bit 3 - FINALIZED (userdata) or WEAK_KEYS (table)
//	bit 4 - WEAK_VALUES (table)
//	bit 5 - FIXED (never collected)
//	bit 6 - SUPER_FIXED (main thread only)
const (
	bitWhite0 = 1 << iota
	bitWhite1
	bitBlack
	bitFinalized
	bitValueWeak
	bitFixed
	bitSuperFixed

	bitKeyWeak = bitFinalized
	maskWhite  = bitWhite0 | bitWhite1
)

// header is the common prefix every collectable object embeds: a link into
// the collector's global "all objects" list, the type tag, and the mark
// byte the tri-color algorithm mutates. Grounded on the CommonHeader/marked
// pattern shown in for-will-lua.go__lgc.go and lgc.h.
type header struct {
	next   collectable
	tag    kind
	marked uint8
}

// collectable is implemented by every GC-owned object kind: GCString,
// Table, Closure, Userdata, Thread, Proto, Upvalue.
type collectable interface {
	gcHeader() *header
}

func (h *header) gcHeader() *header { return h }

func (h *header) isWhite() bool { return h.marked&maskWhite != 0 }
func (h *header) isBlack() bool { return h.marked&bitBlack != 0 }
func (h *header) isGray() bool  { return !h.isWhite() && !h.isBlack() }
func (h *header) isFixed() bool { return h.marked&bitFixed != 0 }

func (h *header) makeGray()  { h.marked &^= maskWhite | bitBlack }
func (h *header) makeBlack() { h.marked = h.marked&^maskWhite | bitBlack }
func (h *header) makeWhite(currentWhite uint8) {
	h.marked = h.marked&^(maskWhite|bitBlack) | (currentWhite & maskWhite)
}

// isDead reports whether o's white bit matches the given dying white (the
// current white during the atomic phase, before the flip). Fixed objects
// are never dead.
func isDead(o collectable, otherWhite uint8) bool {
	h := o.gcHeader()
	return h.marked&otherWhite&maskWhite != 0 && !h.isFixed()
}

// asCollectable extracts the GC header from a value, if it is collectable.
func asCollectable(v value) (collectable, bool) {
	c, ok := v.(collectable)
	return c, ok
}

func isCollectable(v value) bool {
	_, ok := v.(collectable)
	return ok
}

// pointerIdentity extracts the underlying pointer value of a collectable
// for use as a hash key (table.go's mainPosition, for a key that is
// collectable but neither a *GCString nor a boolean). Every collectable
// kind is implemented on a pointer receiver, so reflect.Value.Pointer is
// always defined here.
func pointerIdentity(c collectable) uintptr {
	return reflect.ValueOf(c).Pointer()
}

// isFalse mirrors Lua truthiness: everything but nil and false is true.
func isFalse(v value) bool {
	if v == nil {
		return true
	}
	b, isBool := v.(bool)
	return isBool && !b
}
