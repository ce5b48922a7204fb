package lua

// gcPhase is the collector's incremental state machine, mirroring Lua
// 5.1's GCSpause/GCSpropagate/GCSsweepstring/GCSsweep/GCSfinalize
// sequence from lgc.h.
type gcPhase int

const (
	gcPhasePause gcPhase = iota
	gcPropagate
	gcSweepString
	gcSweep
	gcFinalize
)

func (p gcPhase) String() string {
	switch p {
	case gcPhasePause:
		return "pause"
	case gcPropagate:
		return "propagate"
	case gcSweepString:
		return "sweepstring"
	case gcSweep:
		return "sweep"
	case gcFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// GlobalState is the root set and collector combined into one structure,
// grounded on for-will-lua.go__lstate.go's GlobalState (which folds
// lRegistry/mainThread/mt/tmName together with StrT/currentWhite/gcState/
// gray/grayAgain/weak/GCThreshold/totalBytes) and on go-lua's own
// lua.go globalState split between root-set fields and collector fields.
// Every collectable object, table, and string this package hands out is
// owned by exactly one GlobalState.
type GlobalState struct {
	// root set
	registry     *Table
	globals      *Table
	mainThread   *Thread
	metatables   [11]*Table // indexed by kind, shared metatable per basic type
	tagMethodNames [tmCount]*GCString

	// string interner
	strings *stringTable

	// collector bookkeeping
	allObjects   collectable    // head of the "all objects" singly-linked list
	sweepPos     *collectable   // cursor into allObjects during incremental sweep
	currentWhite uint8
	phase        gcPhase
	gray         []collectable
	grayAgain    []collectable // objects reverted to gray by a backward barrier
	weak         []*Table      // weak tables awaiting the atomic clearing pass
	finalizable  []*Userdata   // userdata with a __gc metamethod, queued for finalization
	toFinalize   []*Userdata   // dead, resurrected, awaiting finalizer invocation

	stringSweepBucket int

	totalBytes   int // live-byte estimate: += on allocation, -= on sweep freeing
	stepDebt     int // bytes allocated since the last Step, drives per-step work
	gcThreshold  int
	pausePercent int // gcPause
	stepMul      int // gcStepMultiplier
	memoryLimit  int // 0 = unlimited; see alloc.go

	lastFinalizerError error // set when a __gc callable panics; see runFinalizer
}

// NewGlobalState creates a fresh runtime root with an empty registry and
// globals table, ready to intern strings and allocate collectables.
func NewGlobalState() *GlobalState {
	gc := &GlobalState{
		strings:      newStringTable(),
		currentWhite: bitWhite0,
		phase:        gcPhasePause,
		pausePercent: gcPause,
		stepMul:      gcStepMultiplier,
		gcThreshold:  gcStepSize,
	}
	gc.registry = gc.NewTable(0, 0)
	gc.globals = gc.NewTable(0, 0)
	gc.registry.marked |= bitFixed
	gc.globals.marked |= bitFixed
	gc.mainThread = gc.NewThread()
	gc.mainThread.marked |= bitFixed | bitSuperFixed
	return gc
}

// MainThread returns the always-alive root thread created alongside the
// state, mirroring go-lua's globalState.mainThread.
func (gc *GlobalState) MainThread() *Thread { return gc.mainThread }

// Registry returns the collector-owned table hosts use to stash values
// that must survive as GC roots without being reachable from globals.
func (gc *GlobalState) Registry() *Table { return gc.registry }

// Globals returns the shared global namespace table.
func (gc *GlobalState) Globals() *Table { return gc.globals }

func (gc *GlobalState) otherWhite() uint8 {
	if gc.currentWhite == bitWhite0 {
		return bitWhite1
	}
	return bitWhite0
}

// --- allocation & pacing ---------------------------------------------------

// linkObject gives o its birth color (current white) and pushes it onto
// the all-objects list.
func (gc *GlobalState) linkObject(o collectable) {
	h := o.gcHeader()
	h.marked = gc.currentWhite & maskWhite
	h.next = gc.allObjects
	gc.allObjects = o
}

// accountAllocation lives in alloc.go, the Allocator Facade every
// constructor in this package funnels through; CheckGC below is the
// pacing driver that bounds per-step work by bytes allocated, triggered
// once accountAllocation crosses gcThreshold. It is also part of the
// host-facing GC control surface alongside Step, FullGC, and
// SetThreshold, for a host that wants to drive collection on its own
// schedule instead of relying on the allocation-triggered check.
func (gc *GlobalState) CheckGC() {
	if gc.totalBytes >= gc.gcThreshold {
		gc.Step()
	}
}

// SetThreshold sets the live-byte count the collector waits to reach
// before CheckGC starts a new cycle, overriding the value FullGC/
// finalizeStep would otherwise compute from pausePercent. A host can use
// it to force more or less aggressive collection than the default
// percentage-of-live-bytes pacing.
func (gc *GlobalState) SetThreshold(bytes int) {
	gc.gcThreshold = bytes
}

// --- barriers ---------------------------------------------------------

// markValue marks v reachable if it is collectable, matching lgc.h's
// checkconsistency: nothing to do for nil, booleans, numbers, or light
// userdata, since those aren't traced.
func (gc *GlobalState) markValue(v value) {
	if c, ok := asCollectable(v); ok {
		gc.markObject(c)
	}
}

// markObject turns a white object gray (or, for objects with nothing to
// trace, directly black) and, if it needs traversal, pushes it onto the
// gray worklist. A no-op for anything not currently white.
func (gc *GlobalState) markObject(c collectable) {
	h := c.gcHeader()
	if !h.isWhite() {
		return
	}
	h.makeGray()
	switch c.(type) {
	case *GCString:
		h.makeBlack() // strings have no outgoing references to trace
	default:
		gc.gray = append(gc.gray, c)
	}
}

// barrierForward implements luaC_barrierf (lgc.h): fired when a black
// object is about to hold a reference to a white one through a field the
// collector cannot cheaply re-scan later (an Upvalue's value, a Closure's
// upvalue slot, a Proto's constant or nested prototype). During normal
// incremental marking the white child is marked immediately so the
// invariant (no black -> white edge) is restored; during the sweep phases
// creating a new forward edge is instead handled by re-whitening the
// parent, since anything created that late will be re-examined next cycle
// regardless.
func (gc *GlobalState) barrierForward(parent collectable, child value) {
	c, ok := asCollectable(child)
	if !ok {
		return
	}
	ph, ch := parent.gcHeader(), c.gcHeader()
	if !ph.isBlack() || !ch.isWhite() {
		return
	}
	if gc.phase == gcSweepString || gc.phase == gcSweep {
		ph.makeWhite(gc.currentWhite)
		return
	}
	gc.markObject(c)
}

// barrierBack implements luaC_barrierback (lgc.h): fired on every write
// into a table. Rather than darkening the value being stored, a black
// table is turned back to gray and queued on grayAgain, so the *whole*
// table is retraversed in the atomic phase. This is the cheaper choice for
// tables specifically, since a table's contents change far more often than
// an Upvalue's or Proto's fixed set of referents.
func (gc *GlobalState) barrierBack(t *Table, v value) {
	if !t.isBlack() {
		return
	}
	if c, ok := asCollectable(v); !ok || !c.gcHeader().isWhite() {
		return
	}
	t.makeGray()
	gc.grayAgain = append(gc.grayAgain, t)
}

// --- traversal --------------------------------------------------------

// propagateOne pops one gray object, marks everything it references, and
// turns it black (a weak table is blackened too, and is also queued on the
// weak list for the atomic clearing pass). Returns an approximate byte
// cost of the work performed, for pacing.
func (gc *GlobalState) propagateOne() int {
	if len(gc.gray) == 0 {
		return 0
	}
	n := len(gc.gray) - 1
	o := gc.gray[n]
	gc.gray = gc.gray[:n]

	switch t := o.(type) {
	case *Table:
		return gc.traverseTable(t)
	case *Closure:
		return gc.traverseClosure(t)
	case *Thread:
		return gc.traverseThread(t)
	case *Proto:
		return gc.traverseProto(t)
	case *Upvalue:
		gc.markValue(t.value)
		t.makeBlack()
		return 8
	case *Userdata:
		if t.metatable != nil {
			gc.markObject(t.metatable)
		}
		t.makeBlack()
		return 16
	default:
		o.gcHeader().makeBlack()
		return 0
	}
}

func (gc *GlobalState) traverseTable(t *Table) int {
	if t.metatable != nil {
		gc.markObject(t.metatable)
	}
	weakKey := t.marked&bitKeyWeak != 0
	weakValue := t.marked&bitValueWeak != 0
	if weakKey || weakValue {
		gc.weak = append(gc.weak, t)
	}
	cost := len(t.array) + len(t.node)
	if !weakValue {
		for _, v := range t.array {
			gc.markValue(v)
		}
	}
	for i := range t.node {
		n := &t.node[i]
		if n.value == nil {
			continue
		}
		if !weakKey {
			gc.markValue(n.key)
		}
		if !weakValue {
			gc.markValue(n.value)
		}
	}
	// Blackened regardless of weakness: a weak table's un-marked entries
	// are not an unmarked-reachable-object bug (weak references are, by construction, not
	// counted as reachability edges) and are cleared explicitly by
	// clearWeakTables once every gray object has been drained.
	t.makeBlack()
	return cost
}

func (gc *GlobalState) traverseClosure(c *Closure) int {
	if c.proto != nil {
		gc.markObject(c.proto)
	}
	for _, uv := range c.upvalues {
		if uv != nil {
			gc.markObject(uv)
		}
	}
	c.makeBlack()
	return 8 + len(c.upvalues)
}

func (gc *GlobalState) traverseThread(th *Thread) int {
	for _, v := range th.stack {
		gc.markValue(v)
	}
	th.makeBlack()
	return len(th.stack)
}

func (gc *GlobalState) traverseProto(p *Proto) int {
	if p.source != nil {
		gc.markObject(p.source)
	}
	for _, v := range p.constants {
		gc.markValue(v)
	}
	for _, np := range p.nested {
		gc.markObject(np)
	}
	p.makeBlack()
	return len(p.constants) + len(p.nested)
}

// --- root marking & the atomic transition ------------------------------

func (gc *GlobalState) markRoots() {
	gc.markObject(gc.registry)
	gc.markObject(gc.globals)
	if gc.mainThread != nil {
		gc.markObject(gc.mainThread)
	}
	for _, mt := range gc.metatables {
		if mt != nil {
			gc.markObject(mt)
		}
	}
}

// atomic finishes a mark phase without interruption: it is the one part of
// the cycle that is not incremental, matching description of
// the propagate->sweep transition (remark roots, traverse weak tables,
// separate finalizable userdata, flip current white).
func (gc *GlobalState) atomic() {
	gc.markRoots()
	gc.drainGray()

	gc.gray = append(gc.gray, gc.grayAgain...)
	gc.grayAgain = gc.grayAgain[:0]
	gc.drainGray()

	gc.clearWeakTables()
	gc.separateFinalizers()
	gc.drainGray() // resurrection in separateFinalizers can add more work

	gc.currentWhite = gc.otherWhite()
	gc.sweepPos = &gc.allObjects
	gc.stringSweepBucket = 0
}

func (gc *GlobalState) drainGray() {
	for len(gc.gray) > 0 {
		gc.propagateOne()
	}
}

// clearWeakTables drops dead entries from every table traversed with weak
// keys and/or values, replacing a dead key with a deadKey tombstone so
// iteration in progress never walks a broken chain.
func (gc *GlobalState) clearWeakTables() {
	// Runs before the flip: anything left unmarked still carries the
	// current white.
	other := gc.currentWhite
	for _, t := range gc.weak {
		weakKey := t.marked&bitKeyWeak != 0
		weakValue := t.marked&bitValueWeak != 0
		if weakValue {
			for i, v := range t.array {
				if isDeadValue(v, other) {
					t.array[i] = nil
				}
			}
		}
		for i := range t.node {
			n := &t.node[i]
			if n.value == nil {
				continue
			}
			if weakValue && isDeadValue(n.value, other) {
				n.value = nil
			}
			if weakKey {
				if c, ok := asCollectable(n.key); ok && isDead(c, other) {
					n.key = deadKey{identity: n.key}
					n.value = nil
				}
			}
		}
		t.makeBlack()
	}
	gc.weak = gc.weak[:0]
}

func isDeadValue(v value, otherWhite uint8) bool {
	c, ok := asCollectable(v)
	return ok && isDead(c, otherWhite)
}

// separateFinalizers moves any tracked userdata that is unreachable
// (dead in the about-to-end cycle) from finalizable into toFinalize, and
// resurrects it (marks it reachable again) so sweep does not reclaim its
// memory before Step runs its finalizer.
func (gc *GlobalState) separateFinalizers() {
	other := gc.currentWhite // runs before the flip, like clearWeakTables
	live := gc.finalizable[:0]
	for _, u := range gc.finalizable {
		if !u.finalized && isDead(u, other) {
			gc.toFinalize = append(gc.toFinalize, u)
			gc.markObject(u)
		} else {
			live = append(live, u)
		}
	}
	gc.finalizable = live
}

func (gc *GlobalState) registerFinalizable(u *Userdata) {
	gc.finalizable = append(gc.finalizable, u)
}

// --- sweep --------------------------------------------------------------

const sweepBatch = 32

// sweepGeneric walks up to sweepBatch entries of the all-objects list from
// *pos, freeing anything still colored the dying white and turning
// survivors back into the new current white (lgc.c's `sweeplist`, replayed
// here over a Go linked list of interface values instead of a raw pointer
// array).
func (gc *GlobalState) sweepGeneric(pos *collectable, limit int) (*collectable, int) {
	other := gc.otherWhite()
	count := 0
	for *pos != nil && count < limit {
		o := *pos
		h := o.gcHeader()
		if h.marked&other&maskWhite != 0 && !h.isFixed() {
			*pos = h.next
			gc.totalBytes -= objectSize(o)
			count++
			continue
		}
		h.makeWhite(gc.currentWhite)
		pos = &h.next
		count++
	}
	return pos, count
}

// objectSize approximates the byte cost accountAllocation charged when o
// was created, so sweep can give those bytes back to totalBytes. It does
// not need to be exact, only consistent with the estimates NewTable/
// NewString/etc. already use, since it drives pacing, not real memory
// accounting. A table is credited at its size when swept, which exceeds
// its creation charge if it has grown since. A string is credited
// nothing here: sweepStringStep has already given back its bytes.
func objectSize(o collectable) int {
	switch t := o.(type) {
	case *GCString:
		return 0
	case *Table:
		return tableOverhead(t)
	case *Closure:
		return 24 + len(t.upvalues)*8
	case *Thread:
		return 48
	case *Proto:
		return 32
	case *Upvalue:
		return 24
	case *Userdata:
		return 16
	default:
		return 16
	}
}

func (gc *GlobalState) sweepStep() int {
	if gc.sweepPos == nil {
		gc.sweepPos = &gc.allObjects
	}
	next, work := gc.sweepGeneric(gc.sweepPos, sweepBatch)
	gc.sweepPos = next
	if *gc.sweepPos == nil {
		gc.phase = gcFinalize
	}
	return work * 16
}

// sweepStringStep sweeps the intern table one bucket at a time, so a
// large interned-string population cannot make a single step arbitrarily
// expensive.
func (gc *GlobalState) sweepStringStep() int {
	other := gc.otherWhite()
	buckets := gc.strings.buckets
	if gc.stringSweepBucket >= len(buckets) {
		gc.phase = gcSweep
		gc.sweepPos = &gc.allObjects
		return 0
	}
	i := gc.stringSweepBucket
	gc.stringSweepBucket++
	prev := &buckets[i]
	count := 0
	for *prev != nil {
		s := *prev
		if s.marked&other&maskWhite != 0 && !s.isFixed() {
			*prev = s.bucketNext
			gc.strings.count--
			gc.totalBytes -= s.Len() + gcStringOverhead
			count++
			continue
		}
		s.makeWhite(gc.currentWhite)
		prev = &s.bucketNext
	}
	return count * 8
}

func (gc *GlobalState) finalizeStep() int {
	if len(gc.toFinalize) == 0 {
		gc.phase = gcPhasePause
		if gc.totalBytes < 0 {
			gc.totalBytes = 0
		}
		gc.gcThreshold = gc.totalBytes * gc.pausePercent / 100
		return 0
	}
	n := len(gc.toFinalize) - 1
	u := gc.toFinalize[n]
	gc.toFinalize = gc.toFinalize[:n]
	u.finalized = true
	if u.metatable != nil {
		if fn := u.metatable.GetStr(gc.tagMethodName(tmGC)); fn != nil {
			gc.runFinalizer(u, fn)
		}
	}
	return 32
}

// runFinalizerHook is the seam through which runFinalizer invokes a __gc
// callable; the table+GC engine itself has no VM to call into. It is
// unexported, so only code inside this package (such as its tests) can set
// it. While it is nil, finalizeStep only marks the userdata finalized.
var runFinalizerHook func(gc *GlobalState, u *Userdata, fn value)

func (gc *GlobalState) runFinalizer(u *Userdata, fn value) {
	if runFinalizerHook == nil {
		return
	}
	if err := protectedCall(func() { runFinalizerHook(gc, u, fn) }); err != nil {
		gc.lastFinalizerError = err
	}
}

// --- driver -------------------------------------------------------------

// Step performs one bounded unit of incremental collection work, scaled by
// stepMul against bytes allocated since the last step. A host calling accountAllocation (indirectly,
// via NewTable/NewString/etc.) never needs to call this directly; it is
// exported for hosts and tests that want to force progress deterministically.
func (gc *GlobalState) Step() int {
	work := (gc.stepDebt * gc.stepMul) / 100
	if work < gcStepSize {
		work = gcStepSize
	}
	done := 0
	for done < work {
		switch gc.phase {
		case gcPhasePause:
			gc.markRoots()
			gc.phase = gcPropagate
		case gcPropagate:
			if len(gc.gray) == 0 {
				gc.atomic()
				gc.phase = gcSweepString
			} else {
				done += gc.propagateOne()
			}
		case gcSweepString:
			done += gc.sweepStringStep()
		case gcSweep:
			done += gc.sweepStep()
		case gcFinalize:
			done += gc.finalizeStep()
		}
		if gc.phase == gcPhasePause {
			break
		}
	}
	gc.stepDebt -= done
	if gc.stepDebt < 0 {
		gc.stepDebt = 0
	}
	return done
}

// FullGC first steps any cycle already underway back to pause, then runs
// one complete pause-to-pause cycle that marks from the roots and frees
// everything found dead (matching lua_gc(L, LUA_GCCOLLECT, 0)'s contract:
// a complete, non-incremental collection on demand).
func (gc *GlobalState) FullGC() {
	// Finish whatever cycle is already underway before starting a fresh,
	// complete one: mixing generations of the same cycle would corrupt the tri-color invariant.
	for gc.phase != gcPhasePause {
		gc.Step()
	}
	gc.markRoots()
	gc.phase = gcPropagate
	for gc.phase != gcPhasePause {
		gc.Step()
	}
}

// LiveBytes reports the collector's current accounting of bytes in use,
// for hosts and tests observing collection progress.
func (gc *GlobalState) LiveBytes() int { return gc.totalBytes }

func (gc *GlobalState) Phase() string { return gc.phase.String() }

// LastFinalizerError returns the error recovered from the most recent
// panicking __gc callable, or nil if none has panicked. A panic there
// must not corrupt the collector's own state mid-cycle, so runFinalizer
// runs the hook under protectedCall and stashes the result here instead
// of letting it propagate out of Step/FullGC.
func (gc *GlobalState) LastFinalizerError() error { return gc.lastFinalizerError }
