package lua

// This file models the collectable kinds whose real payload belongs to the
// out-of-scope VM: opaque collectable stand-ins. Each carries just enough
// state to give the collector's traversal and barrier code a genuine,
// testable case for a collectable value with GC-owned but VM-opaque
// referents, without reimplementing bytecode execution.

// Upvalue is a closed-over variable slot. In a full VM an upvalue starts
// "open" (aliasing a stack slot) and is "closed" (copies the value into
// itself) when its owning frame returns; this stand-in models only the
// closed state, since open upvalues require the stack machinery this
// component does not implement.
type Upvalue struct {
	header
	value value
}

func (gc *GlobalState) NewUpvalue(v value) *Upvalue {
	u := &Upvalue{value: v}
	u.tag = kindUpvalue
	gc.accountAllocation(24)
	gc.linkObject(u)
	return u
}

// Close overwrites the upvalue's value after creation (the VM's "close
// upvalue" step, or a host rebinding one directly). Goes through the
// forward barrier since u may already be black by the time this runs.
func (gc *GlobalState) Close(u *Upvalue, v value) {
	u.value = v
	gc.barrierForward(u, v)
}

// Proto is a function prototype: constants plus nested prototypes, both of
// which the collector must trace. Code, debug info, and everything else a
// real prototype carries belongs to the out-of-scope compiler/VM.
type Proto struct {
	header
	constants []value
	nested    []*Proto
	source    *GCString
}

func (gc *GlobalState) NewProto(source *GCString) *Proto {
	p := &Proto{source: source}
	p.tag = kindProto
	gc.accountAllocation(32)
	gc.linkObject(p)
	return p
}

// AddConstant appends a constant to p after creation (the compiler's normal
// mode of building a prototype incrementally). Barriered forward since a
// prototype reachable from an already-black closure can itself be black.
func (gc *GlobalState) AddConstant(p *Proto, v value) {
	p.constants = append(p.constants, v)
	gc.barrierForward(p, v)
}

// AddNestedProto attaches a nested function prototype to p, mirroring
// AddConstant's barrier obligation for the other field the collector
// traces on a Proto.
func (gc *GlobalState) AddNestedProto(p *Proto, nested *Proto) {
	p.nested = append(p.nested, nested)
	gc.barrierForward(p, nested)
}

// Closure pairs a Proto with the upvalues it captured. A host (or its VM)
// is expected to populate Upvalues after creation; Proto may be nil for a
// closure standing in for a Go-native ("light C function") callable, which
// carries no traceable prototype.
type Closure struct {
	header
	proto    *Proto
	upvalues []*Upvalue
}

func (gc *GlobalState) NewClosure(proto *Proto, nups int) *Closure {
	c := &Closure{proto: proto}
	c.tag = kindClosure
	if nups > 0 {
		c.upvalues = make([]*Upvalue, nups)
	}
	gc.accountAllocation(24 + nups*8)
	gc.linkObject(c)
	return c
}

// SetUpvalue binds slot i of c to uv after creation, the step a closure's
// creator (a VM's OP_CLOSURE, or a host wiring up a native callable)
// performs once its captured variables are known. Barriered forward for
// the same reason as AddConstant: c may already be black.
func (gc *GlobalState) SetUpvalue(c *Closure, i int, uv *Upvalue) {
	c.upvalues[i] = uv
	gc.barrierForward(c, uv)
}

// Thread is a cooperative execution context: its own value stack (a GC
// root while the thread itself is reachable) plus a link back to the
// GlobalState it shares tables and strings with. Instruction pointers,
// call frames, and everything else belong to the out-of-scope VM.
type Thread struct {
	header
	global *GlobalState
	stack  []value
}

func (gc *GlobalState) NewThread() *Thread {
	th := &Thread{global: gc}
	th.tag = kindThread
	gc.accountAllocation(48)
	gc.linkObject(th)
	return th
}

// Push appends v to the thread's value stack. Barriered forward: a
// running (and therefore already-black, since it is a root) thread must
// not be left holding an unmarked reference to a value born white in the
// current cycle.
func (th *Thread) Push(v value) {
	th.stack = append(th.stack, v)
	th.global.barrierForward(th, v)
}

func (th *Thread) Pop() value {
	if len(th.stack) == 0 {
		return nil
	}
	v := th.stack[len(th.stack)-1]
	th.stack = th.stack[:len(th.stack)-1]
	return v
}

// Userdata is host-owned opaque memory wrapped in a GC-managed object so it
// can carry a metatable and participate in finalization.
// Data is an opaque host payload; the collector never looks inside it.
type Userdata struct {
	header
	data      interface{}
	metatable *Table
	finalized bool
}

func (gc *GlobalState) NewUserdata(data interface{}) *Userdata {
	u := &Userdata{data: data}
	u.tag = kindUserData
	gc.accountAllocation(16)
	gc.linkObject(u)
	return u
}

func (u *Userdata) Data() interface{} { return u.data }

// SetUserdataMetatable attaches mt to u. If mt defines a __gc tag method, u is
// registered with the collector so it is finalized instead of being freed
// outright the first time it is found unreachable.
func (gc *GlobalState) SetUserdataMetatable(u *Userdata, mt *Table) {
	u.metatable = mt
	if mt != nil {
		gc.barrierForward(u, mt)
		if mt.GetStr(gc.tagMethodName(tmGC)) != nil {
			gc.registerFinalizable(u)
		}
	}
}
