package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// KeyHints lets the caller describe its expected workload up front, the way
// the original key_hints option does: the model and page layer both use
// these to size their initial allocations and fill targets.
type KeyHints struct {
	NumKeys     uint64 `yaml:"num_keys"`
	RecordSize  uint32 `yaml:"record_size"`
	PageFillPct uint32 `yaml:"page_fill_pct"`
}

// Options mirrors spec.md §6's Open() options, plus the ambient fields
// (page layout, record cache, audit log, diagnostics) this repository
// carries around the core. Unmarshals from YAML the way the teacher's
// Config does, with the same defaults-then-override pattern.
type Options struct {
	CreateIfMissing bool `yaml:"create_if_missing"`
	ErrorIfExists   bool `yaml:"error_if_exists"`

	KeyHints KeyHints `yaml:"key_hints"`

	BufferPoolSize         int    `yaml:"buffer_pool_size"`
	MemTableSizeMiB        uint64 `yaml:"memtable_size_mib"`
	DeferredIOMinEntries   uint64 `yaml:"deferred_io_min_entries"`
	DeferredIOMaxDeferrals uint64 `yaml:"deferred_io_max_deferrals"`
	BypassWAL              bool   `yaml:"bypass_wal"`
	UseDirectIO            bool   `yaml:"use_direct_io"`
	PinThreads             bool   `yaml:"pin_threads"`
	BGThreads              int    `yaml:"bg_threads"`

	// Page layout, fixed at Open and persisted in the MANIFEST.
	PageSize        uint32 `yaml:"page_size"`
	PagesPerSegment uint32 `yaml:"pages_per_segment"`
	NumSegments     uint32 `yaml:"num_segments"`

	// Ambient additions (original_source/include/llsm/pg_options.h;
	// dropped by the distilled spec, restored here as supplemental
	// components — see SPEC_FULL.md §2, components J/L/N).
	RecordCacheCapacity int64 `yaml:"record_cache_capacity"`
	BypassRecordCache   bool  `yaml:"bypass_record_cache"`
	EnableAuditLog      bool  `yaml:"enable_audit_log"`
	WriteDebugInfo      bool  `yaml:"write_debug_info"`
}

// DefaultOptions returns production-reasonable defaults, overwritten by
// whatever a YAML file or caller supplies.
func DefaultOptions() Options {
	return Options{
		CreateIfMissing: true,
		KeyHints: KeyHints{
			NumKeys:     0,
			RecordSize:  64,
			PageFillPct: 90,
		},
		BufferPoolSize:         256,
		MemTableSizeMiB:        64,
		DeferredIOMinEntries:   5,
		DeferredIOMaxDeferrals: 3,
		BypassWAL:              false,
		UseDirectIO:            false,
		PinThreads:             false,
		BGThreads:              4,
		PageSize:                64 * 1024,
		PagesPerSegment:         1024,
		NumSegments:             4,
		RecordCacheCapacity:     1 << 20,
		BypassRecordCache:       false,
		EnableAuditLog:          false,
		WriteDebugInfo:          false,
	}
}

// Load reads Options from a YAML file at path, falling back to
// DefaultOptions() for any field the file doesn't set. If path is empty, the
// conventional locations are tried (as the teacher's Load does) and the
// defaults are returned unmodified if none exist.
func Load(path string) (*Options, error) {
	opts := DefaultOptions()

	if path == "" {
		for _, p := range []string{"configs/treeline.yaml", "treeline.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, &opts); err != nil {
					return &opts, err
				}
				applyDefaults(&opts)
				return &opts, nil
			}
		}
		applyDefaults(&opts)
		return &opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return &opts, err
	}
	applyDefaults(&opts)
	return &opts, nil
}

func applyDefaults(o *Options) {
	d := DefaultOptions()
	if o.KeyHints.RecordSize == 0 {
		o.KeyHints.RecordSize = d.KeyHints.RecordSize
	}
	if o.KeyHints.PageFillPct == 0 {
		o.KeyHints.PageFillPct = d.KeyHints.PageFillPct
	}
	if o.BufferPoolSize <= 0 {
		o.BufferPoolSize = d.BufferPoolSize
	}
	if o.MemTableSizeMiB == 0 {
		o.MemTableSizeMiB = d.MemTableSizeMiB
	}
	if o.DeferredIOMaxDeferrals == 0 {
		o.DeferredIOMaxDeferrals = d.DeferredIOMaxDeferrals
	}
	if o.BGThreads <= 0 {
		o.BGThreads = d.BGThreads
	}
	if o.PageSize == 0 {
		o.PageSize = d.PageSize
	}
	if o.PagesPerSegment == 0 {
		o.PagesPerSegment = d.PagesPerSegment
	}
	if o.NumSegments == 0 {
		o.NumSegments = d.NumSegments
	}
	if o.RecordCacheCapacity == 0 {
		o.RecordCacheCapacity = d.RecordCacheCapacity
	}
}
