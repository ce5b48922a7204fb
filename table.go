package lua

import (
	"math"
)

// node is one slot of a Table's hash part: a key/value pair plus the index
// of the next node in its collision chain, or -1 if it ends the chain.
// Using a slice index instead of a pointer (the C original and some of its
// naive Go ports use `*Node`) keeps chains valid across the slice growth
// that happens on resize.
type node struct {
	key   value
	value value
	next  int
}

const noNext = -1

// deadKey replaces a weak table's key once its referent has been collected,
// so hash chains stay walkable without leaving dangling links.
// It retains the original key's identity so findIndex can still recognize a
// `next` cursor that pointed at the now-dead entry.
type deadKey struct{ identity value }

// Table is the hybrid array/hash container: dense integer keys
// 1..len(array) live in array, everything else lives in the
// open-addressed node hash. Grounded directly on Lua 5.1's ltable.c,
// restructured to use slice indices instead of raw node pointers.
type Table struct {
	header
	array     []value
	node      []node
	lastFree  int // next candidate index to hand out, scanned downward
	metatable *Table
	flags     uint8 // bit i set => tag-method event i is known absent
}

// NewTable allocates a table with room for at least narray array slots and
// nhash hash slots, linking it onto gc's all-objects list in the current
// white.
func (gc *GlobalState) NewTable(narray, nhash int) *Table {
	t := &Table{lastFree: 0}
	t.tag = kindTable
	t.flags = ^uint8(0)
	if narray > 0 {
		t.array = make([]value, narray)
	}
	if nhash > 0 {
		t.resizeHash(nhash)
	}
	gc.accountAllocation(tableOverhead(t))
	gc.linkObject(t)
	return t
}

func tableOverhead(t *Table) int {
	return 48 + len(t.array)*16 + len(t.node)*32
}

// Free is advisory: reclamation is the collector's job once t becomes
// unreachable (design notes: "ownership is collective"). Hosts that used to
// call a manual free should simply drop their last reference instead.
func (gc *GlobalState) Free(t *Table) {}

func (t *Table) invalidateTagMethodCache() { t.flags = 0 }

// --- hashing -----------------------------------------------------------

// hashMod implements ltable.c's lmod macro: since the hash part's size is
// always a power of two, reducing a hash value mod size is a plain bitmask
// rather than a division.
func hashMod(n uint32, size int) int {
	return int(n) & (size - 1)
}

// hashNumber sums the two 32-bit halves of the IEEE-754 bit pattern,
// fixed and stable since Go's float64 is always 64 bits. +0 and -0 both
// hash to slot 0.
func hashNumber(n float64, size int) int {
	if n == 0 {
		return 0
	}
	bits := math.Float64bits(n)
	sum := uint32(bits>>32) + uint32(bits)
	return hashMod(sum, size)
}

func hashBoolean(b bool, size int) int {
	if b {
		return hashMod(1, size)
	}
	return hashMod(0, size)
}

func hashPointer(p uintptr, size int) int {
	return hashMod(uint32(p), size)
}

func identityOf(v value) uintptr {
	switch v := v.(type) {
	case LightUserData:
		return uintptr(v)
	case collectable:
		return pointerIdentity(v)
	default:
		return 0
	}
}

// mainPosition returns the hash-part slot a key maps to before any
// collision displacement (ltable.c's `mainposition`).
func mainPosition(key value, size int) int {
	switch k := key.(type) {
	case float64:
		return hashNumber(k, size)
	case *GCString:
		return int(k.hash) & (size - 1)
	case bool:
		return hashBoolean(k, size)
	default:
		return hashPointer(identityOf(key), size)
	}
}

// arrayIndex returns the 1-based array index a key would occupy if it is an
// integer-valued number, or -1 otherwise.
func arrayIndex(key value) int {
	if n, ok := key.(float64); ok {
		if i := int(n); float64(i) == n {
			return i
		}
	}
	return -1
}

// --- lookup --------------------------------------------------------------

// Get is the main search function ("Lookup").
func (t *Table) Get(key value) value {
	switch k := key.(type) {
	case nil:
		return nil
	case float64:
		if i := int(k); float64(i) == k {
			return t.GetNum(i)
		}
		return t.getGeneric(key)
	case *GCString:
		return t.GetStr(k)
	default:
		return t.getGeneric(key)
	}
}

// GetNum specializes lookup for integer keys, bypassing tag dispatch.
func (t *Table) GetNum(key int) value {
	if i := uint(key - 1); i < uint(len(t.array)) {
		return t.array[i]
	}
	if len(t.node) == 0 {
		return nil
	}
	nk := float64(key)
	for i := mainPosition(nk, len(t.node)); i != noNext; {
		n := &t.node[i]
		if f, ok := n.key.(float64); ok && f == nk {
			return n.value
		}
		i = n.next
	}
	return nil
}

// GetStr specializes lookup for interned string keys.
func (t *Table) GetStr(key *GCString) value {
	if len(t.node) == 0 {
		return nil
	}
	for i := int(key.hash) & (len(t.node) - 1); i != noNext; {
		n := &t.node[i]
		if s, ok := n.key.(*GCString); ok && s == key {
			return n.value
		}
		i = n.next
	}
	return nil
}

func (t *Table) getGeneric(key value) value {
	if len(t.node) == 0 || key == nil {
		return nil
	}
	for i := mainPosition(key, len(t.node)); i != noNext; {
		n := &t.node[i]
		if n.key == key {
			return n.value
		}
		i = n.next
	}
	return nil
}

// --- insertion -----------------------------------------------------------

// Set finds or creates the slot for key, stores value in it, and fires
// the table's backward write barrier. It reports the two key errors the
// engine itself must catch: a nil key and a NaN key.
func (gc *GlobalState) Set(t *Table, key, value value) error {
	switch k := key.(type) {
	case nil:
		return ErrTableIndexNil
	case float64:
		if math.IsNaN(k) {
			return ErrTableIndexNaN
		}
	}
	t.invalidateTagMethodCache()
	if i := arrayIndex(key); i >= 1 && i <= len(t.array) {
		t.array[i-1] = value
		gc.barrierBack(t, value)
		return nil
	}
	slot := gc.findOrCreateSlot(t, key)
	*slot = value
	gc.barrierBack(t, value)
	return nil
}

// SetNum is Set specialized for integer keys.
func (gc *GlobalState) SetNum(t *Table, key int, v value) {
	if i := uint(key - 1); i < uint(len(t.array)) {
		t.array[i] = v
		gc.barrierBack(t, v)
		return
	}
	slot := gc.findOrCreateSlot(t, float64(key))
	*slot = v
	gc.barrierBack(t, v)
}

// SetStr is Set specialized for interned string keys.
func (gc *GlobalState) SetStr(t *Table, key *GCString, v value) {
	slot := gc.findOrCreateSlot(t, key)
	*slot = v
	gc.barrierBack(t, v)
}

// findOrCreateSlot returns a pointer to the value cell for key, allocating a
// hash node for it (via newKey) if it is not already present. Both the
// array and node paths are consulted so an existing key is never duplicated.
func (gc *GlobalState) findOrCreateSlot(t *Table, key value) *value {
	if i := arrayIndex(key); i >= 1 && i <= len(t.array) {
		return &t.array[i-1]
	}
	if len(t.node) > 0 {
		for i := mainPosition(key, len(t.node)); i != noNext; {
			n := &t.node[i]
			if n.key == key {
				return &n.value
			}
			i = n.next
		}
	}
	return gc.newKey(t, key)
}

// newKey implements Brent's variation (ltable.c's `newkey`): a colliding
// node that is not itself at its main position gets evicted to a free
// slot so the new key can occupy its own main position.
func (gc *GlobalState) newKey(t *Table, key value) *value {
	if len(t.node) == 0 {
		gc.rehash(t, key)
		return gc.findOrCreateSlot(t, key)
	}
	mp := mainPosition(key, len(t.node))
	if t.node[mp].value != nil {
		free := t.getFreePos()
		if free == noNext {
			gc.rehash(t, key)
			return gc.findOrCreateSlot(t, key)
		}
		otherMain := mainPosition(t.node[mp].key, len(t.node))
		if otherMain != mp {
			// The incumbent at mp is displaced from its own main position:
			// relocate it to free, patching its chain's predecessor.
			prev := otherMain
			for t.node[prev].next != mp {
				prev = t.node[prev].next
			}
			t.node[prev].next = free
			t.node[free] = t.node[mp]
			t.node[mp] = node{next: noNext}
		} else {
			// The incumbent is at its own main position: append the new
			// node after it in the chain.
			t.node[free].next = t.node[mp].next
			t.node[mp].next = free
			mp = free
		}
	}
	t.node[mp].key = key
	t.node[mp].value = nil
	gc.barrierBack(t, key)
	return &t.node[mp].value
}

// getFreePos scans node[] downward from lastFree for an empty slot,
// matching ltable.c's high-water-mark allocation strategy.
func (t *Table) getFreePos() int {
	for t.lastFree > 0 {
		t.lastFree--
		if t.node[t.lastFree].key == nil {
			return t.lastFree
		}
	}
	return noNext
}

// --- rehash ----------------------------------------------------------------

// rehash grows the table to accommodate an additional key ek, following
// ltable.c's `rehash`: count live integer keys by power-of-two bucket,
// compute the optimal array size, and resize.
func (gc *GlobalState) rehash(t *Table, ek value) {
	var nums [MaxBits + 1]int
	nasize := t.numUseArray(nums[:])
	totalUse := nasize
	hashTotal, hashArraySized := t.numUseHash(nums[:])
	totalUse += hashTotal
	nasize += hashArraySized
	nasize += countInt(ek, nums[:])
	totalUse++
	na, newArraySize := computeSizes(nums[:], nasize)
	gc.resize(t, newArraySize, totalUse-na)
}

func countInt(key value, nums []int) int {
	k := arrayIndex(key)
	if k > 0 && k <= maxASize {
		nums[ceilLog2(k)]++
		return 1
	}
	return 0
}

func (t *Table) numUseArray(nums []int) int {
	ause, i, twoToLg := 0, 1, 1
	for lg := 0; lg <= MaxBits; lg, twoToLg = lg+1, twoToLg*2 {
		lim := twoToLg
		if lim > len(t.array) {
			lim = len(t.array)
			if i > lim {
				break
			}
		}
		lc := 0
		for ; i <= lim; i++ {
			if t.array[i-1] != nil {
				lc++
			}
		}
		nums[lg] += lc
		ause += lc
	}
	return ause
}

func (t *Table) numUseHash(nums []int) (totalUse, ause int) {
	for i := len(t.node) - 1; i >= 0; i-- {
		if t.node[i].value != nil {
			ause += countInt(t.node[i].key, nums)
			totalUse++
		}
	}
	return totalUse, ause
}

// computeSizes finds the largest power of two `n` such that more than half
// of slots 1..n would hold a live integer key (ltable.c's `computesizes`).
func computeSizes(nums []int, narray int) (na, n int) {
	a, twoToI := 0, 1
	for i := 0; twoToI/2 < narray; i, twoToI = i+1, twoToI*2 {
		if i < len(nums) && nums[i] > 0 {
			a += nums[i]
			if a > twoToI/2 {
				n = twoToI
				na = a
			}
		}
		if a == narray {
			break
		}
	}
	return na, n
}

func ceilLog2(x int) int {
	l, x := 0, x-1
	for x > 0 {
		x >>= 1
		l++
	}
	return l
}

func nextPowerOfTwo(n int) int {
	if n <= 0 {
		return 0
	}
	size := 1
	for size < n {
		size *= 2
	}
	return size
}

// resize rebuilds t with array part size nasize and hash part able to hold
// nhsize entries, re-inserting every surviving element (ltable.c's
// `resize`).
func (gc *GlobalState) resize(t *Table, nasize, nhsize int) {
	oldArraySize := len(t.array)
	oldNode := t.node

	if nasize > oldArraySize {
		t.array = append(t.array, make([]value, nasize-oldArraySize)...)
	}
	t.resizeHash(nhsize)

	if nasize < oldArraySize {
		// Shrink first so the tail keys fall outside the array part and
		// land in the hash part; the capped slice keeps any nested growth
		// from overwriting the tail being re-inserted.
		tail := t.array[nasize:]
		t.array = t.array[:nasize:nasize]
		for i, v := range tail {
			if v != nil {
				slot := gc.findOrCreateSlot(t, float64(nasize+i+1))
				*slot = v
			}
		}
	}

	for i := range oldNode {
		if oldNode[i].value != nil {
			slot := gc.findOrCreateSlot(t, oldNode[i].key)
			*slot = oldNode[i].value
		}
	}
}

// resizeHash allocates a fresh hash part sized to the next power of two at
// least nhsize, or clears the hash part entirely when nhsize is 0 (the
// "dummy node" case, represented here as a nil slice rather than a shared
// sentinel object).
func (t *Table) resizeHash(nhsize int) {
	if nhsize == 0 {
		t.node = nil
		t.lastFree = 0
		return
	}
	size := nextPowerOfTwo(nhsize)
	if ceilLog2(size) > MaxBits {
		panic(runtimeError("table overflow"))
	}
	t.node = make([]node, size)
	for i := range t.node {
		t.node[i].next = noNext
	}
	t.lastFree = size
}

// ResizeArray is the resize-hint host operation: forces the array
// part to hold exactly nasize slots without changing the hash part's target
// occupancy.
func (gc *GlobalState) ResizeArray(t *Table, nasize int) {
	nhsize := 0
	if len(t.node) > 0 {
		nhsize = len(t.node)
	}
	gc.resize(t, nasize, nhsize)
}

// --- boundary search (length) --------------------------------------------

// Length returns some valid boundary index b: t[b] non-nil (or b=0) and
// t[b+1] nil.
func (t *Table) Length() int {
	j := len(t.array)
	if j > 0 && t.array[j-1] == nil {
		i := 0
		for j-i > 1 {
			m := (i + j) / 2
			if t.array[m-1] == nil {
				j = m
			} else {
				i = m
			}
		}
		return i
	}
	if len(t.node) == 0 {
		return j
	}
	return t.unboundSearch(j)
}

func (t *Table) unboundSearch(j int) int {
	i := j
	j++
	for t.GetNum(j) != nil {
		i = j
		j *= 2
		if j < 0 { // overflow: fall back to a linear scan
			i = 1
			for t.GetNum(i) != nil {
				i++
			}
			return i - 1
		}
	}
	for j-i > 1 {
		m := (i + j) / 2
		if t.GetNum(m) == nil {
			j = m
		} else {
			i = m
		}
	}
	return i
}

// --- iteration -------------------------------------------------------------

// findIndex maps a previous iteration key to a linear index over the
// (array, hash) address space: array slots are numbered 0..len(array)-1,
// hash slots len(array)..len(array)+len(node)-1. nil maps to -1 (start of
// iteration). Recognizes dead-key tombstones left by weak-table sweeping so
// a `next` cursor pointing at a cleared entry can still resume.
func (t *Table) findIndex(key value) (int, error) {
	if key == nil {
		return -1, nil
	}
	if i := arrayIndex(key); i > 0 && i <= len(t.array) {
		return i - 1, nil
	}
	if len(t.node) == 0 {
		return 0, ErrInvalidIterationKey
	}
	for i := mainPosition(key, len(t.node)); i != noNext; {
		n := &t.node[i]
		if n.key == key {
			return len(t.array) + i, nil
		}
		if dk, ok := n.key.(deadKey); ok && isCollectable(key) && dk.identity == key {
			return len(t.array) + i, nil
		}
		i = n.next
	}
	return 0, ErrInvalidIterationKey
}

// Next implements table iteration: given the previous key (nil
// to start), returns the next live (key, value) pair. Iteration order is
// stable between mutations, but a rehash triggered mid-iteration may skip
// or repeat entries.
func (t *Table) Next(key value) (nextKey, nextValue value, ok bool, err error) {
	i, err := t.findIndex(key)
	if err != nil {
		return nil, nil, false, err
	}
	i++
	for ; i < len(t.array); i++ {
		if t.array[i] != nil {
			return float64(i + 1), t.array[i], true, nil
		}
	}
	for h := i - len(t.array); h < len(t.node); h++ {
		if t.node[h].value != nil {
			return t.node[h].key, t.node[h].value, true, nil
		}
	}
	return nil, nil, false, nil
}
