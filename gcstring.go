package lua

// GCString is a hash-consed, immutable byte string owned by the collector.
// Two byte-equal strings interned through the same GlobalState are the same
// *GCString: callers may compare interned strings with plain
// pointer equality.
type GCString struct {
	header
	bytes []byte
	hash  uint32

	// bucketNext chains this string within its intern-table bucket. It is
	// unrelated to header.next, which chains the string into the
	// collector's global all-objects list.
	bucketNext *GCString
}

// String returns the string's contents. The result must not be mutated;
// GCString.bytes is shared by every holder of the interned value.
func (s *GCString) String() string { return string(s.bytes) }

// Len returns the length in bytes.
func (s *GCString) Len() int { return len(s.bytes) }

// hashBytes is Lua 5.1's string hash: it seeds on length and, for long
// strings, samples every `step`'th byte so hashing cost stays bounded
// regardless of string size.
func hashBytes(b []byte) uint32 {
	h := uint32(len(b))
	step := (len(b) >> 5) + 1
	for i := len(b); i >= step; i -= step {
		h ^= (h << 5) + (h >> 2) + uint32(b[i-1])
	}
	return h
}

// stringTable is the collector's separate open hash table of interned
// strings, keyed by content hash and swept bucket-by-bucket so that a huge
// string population cannot stall a single GC step.
type stringTable struct {
	buckets []*GCString
	count   int
}

func newStringTable() *stringTable {
	return &stringTable{buckets: make([]*GCString, 32)}
}

func (t *stringTable) bucketIndex(hash uint32) int {
	return int(hash) & (len(t.buckets) - 1)
}

// find looks up bytes in the intern table without allocating.
func (t *stringTable) find(b []byte, hash uint32) *GCString {
	for s := t.buckets[t.bucketIndex(hash)]; s != nil; s = s.bucketNext {
		if s.hash == hash && string(s.bytes) == string(b) {
			return s
		}
	}
	return nil
}

func (t *stringTable) insert(s *GCString) {
	i := t.bucketIndex(s.hash)
	s.bucketNext = t.buckets[i]
	t.buckets[i] = s
	t.count++
	if t.count > len(t.buckets) { // load factor > 1
		t.resize(len(t.buckets) * 2)
	}
}

func (t *stringTable) resize(newSize int) {
	newBuckets := make([]*GCString, newSize)
	for _, head := range t.buckets {
		for s := head; s != nil; {
			next := s.bucketNext
			i := int(s.hash) & (newSize - 1)
			s.bucketNext = newBuckets[i]
			newBuckets[i] = s
			s = next
		}
	}
	t.buckets = newBuckets
}

// remove unlinks s from its bucket during string sweep.
func (t *stringTable) remove(s *GCString) {
	i := t.bucketIndex(s.hash)
	if head := t.buckets[i]; head == s {
		t.buckets[i] = s.bucketNext
	} else {
		for p := head; p != nil; p = p.bucketNext {
			if p.bucketNext == s {
				p.bucketNext = s.bucketNext
				break
			}
		}
	}
	s.bucketNext = nil
	t.count--
}

// NewString interns bytes against gc's string table, returning the
// canonical *GCString for its contents. A hit returns the
// existing object with no allocation; a miss allocates, links it onto the
// collector's all-objects list in the current white, and inserts it into
// the intern table.
func (gc *GlobalState) NewString(b []byte) *GCString {
	h := hashBytes(b)
	if s := gc.strings.find(b, h); s != nil {
		return s
	}
	owned := make([]byte, len(b))
	copy(owned, b)
	s := &GCString{bytes: owned, hash: h}
	s.tag = kindString
	gc.accountAllocation(len(b) + gcStringOverhead)
	gc.linkObject(s)
	gc.strings.insert(s)
	return s
}

// NewStringFixed interns a reserved word or tag-method name that must
// never be collected.
func (gc *GlobalState) NewStringFixed(text string) *GCString {
	s := gc.NewString([]byte(text))
	s.marked |= bitFixed
	return s
}

const gcStringOverhead = 32 // accounts for the header + slice descriptor
