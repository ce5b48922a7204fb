package lua

// Tuning knobs, treated as non-contractual; the defaults below mirror
// Lua 5.1's own historical defaults (LUAI_GCPAUSE, LUAI_GCMUL in
// luaconf.h).
const (
	// MaxBits bounds the hash part at 2^MaxBits nodes (ltable.c's MAXBITS,
	// taken as 26 since Go's int always exceeds 26 usable bits).
	MaxBits  = 26
	maxASize = 1 << MaxBits

	// gcPause is the percentage of the previous cycle's live bytes the
	// collector waits to accumulate before starting a new cycle. 200 means
	// "wait until memory in use has doubled" (Lua 5.1 default).
	gcPause = 200

	// gcStepMultiplier scales how much work a step performs relative to
	// bytes allocated since the last step. 200 means "twice as fast as the
	// mutator allocates" (Lua 5.1 default).
	gcStepMultiplier = 200

	// gcStepSize is the base unit of work, in bytes, one step accounts for
	// before consulting the multiplier.
	gcStepSize = 1024

	// initialStringTableSize is the bucket count a fresh GlobalState starts
	// its string interner with.
	initialStringTableSize = 32

	// tagMethodCount is the number of tag-method events cached per table
	// (mirrors tmCount in tag_methods.go).
	tagMethodCount = int(tmCount)
)
