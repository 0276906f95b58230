package cuda

import "encoding/json"

// Config holds the derived byte and resource budgets the allocator enforces.
// It is a plain JSON-tagged struct: callers may
// marshal one out of a running allocator or construct one by hand for tests,
// rather than only ever deriving it from a device query.
type Config struct {
	BlockLimit    int64 `json:"block_limit"`
	GCLimit       int64 `json:"gc_limit"`
	MaxPoolSize   int64 `json:"max_pool_size"`
	WiredLimit    int64 `json:"wired_limit"`
	ResourceLimit int   `json:"resource_limit"`
	SmallSize     int   `json:"small_size"`
	HeapSize      int   `json:"heap_size"`
}

// defaultSmallSize and defaultHeapSize aren't queryable from the driver the
// way the working-set and resource limits are; these values follow the
// header-side defaults used by comparable Metal/CUDA allocators (buffers
// under 1 MiB go through the sub-heap, a single fixed 32 MiB arena) and are
// recorded as an Open Question resolution in DESIGN.md.
const (
	defaultSmallSize = 1 << 20
	defaultHeapSize  = 32 << 20

	// defaultPageSize matches the CUDA managed-memory page size on every
	// architecture currently supported by cuMemAllocManaged.
	defaultPageSize = 4096
)

// DefaultConfig derives the allocator's budgets from a device's reported
// working-set size and total memory, following the formulas this allocator
// was translated from:
//
//	block_limit = min(1.5 * recommended_working_set, 0.95 * total_memory)
//	gc_limit    = min(0.95 * recommended_working_set, block_limit)
//	max_pool_size = block_limit
//
// wired_limit has no analogous closed-form default in the source this was
// translated from; it is initialized to the recommended working set size,
// the same figure the other two limits are scaled from, and is expected to
// be tuned downward by callers that also run other GPU clients.
func DefaultConfig(dev Device) *Config {
	recommended := int64(dev.RecommendedMaxWorkingSetSize())
	total := int64(dev.MemorySize())

	blockLimit := min64(mul64(recommended, 1.5), mul64(total, 0.95))
	gcLimit := min64(mul64(recommended, 0.95), blockLimit)

	return &Config{
		BlockLimit:    blockLimit,
		GCLimit:       gcLimit,
		MaxPoolSize:   blockLimit,
		WiredLimit:    recommended,
		ResourceLimit: dev.ResourceLimit(),
		SmallSize:     defaultSmallSize,
		HeapSize:      defaultHeapSize,
	}
}

// LoadConfig parses a JSON document overriding some or all of a
// DefaultConfig's fields, for callers that want to tune the allocator from a
// file rather than computing everything from the device query.
func LoadConfig(data []byte, base *Config) (*Config, error) {
	cfg := *base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func mul64(v int64, factor float64) int64 {
	return int64(float64(v) * factor)
}
