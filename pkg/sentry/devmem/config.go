// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package devmem

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
)

// CompactionPolicy selects how Segment.Compact relocates pages, matching
// spec.md §6's configuration surface.
type CompactionPolicy int

const (
	// CompactionZeroCopyPreferred relocates via the provider's alias-map
	// path whenever CanAliasMap is true, falling back to copy otherwise.
	// This is the default.
	CompactionZeroCopyPreferred CompactionPolicy = iota
	// CompactionCopyAlways always uses the copy-fallback path, ignoring
	// CanAliasMap. Useful for providers where aliasing is technically
	// possible but not desired (e.g. to exercise the copy path in tests).
	CompactionCopyAlways
	// CompactionNever disables compaction entirely; Compact becomes a
	// no-op returning (nil, nil) and the monitor never triggers it.
	CompactionNever
)

func (p CompactionPolicy) String() string {
	switch p {
	case CompactionZeroCopyPreferred:
		return "zero_copy_preferred"
	case CompactionCopyAlways:
		return "copy_always"
	case CompactionNever:
		return "never"
	default:
		return "unknown"
	}
}

func parseCompactionPolicy(s string) (CompactionPolicy, error) {
	switch s {
	case "", "zero_copy_preferred":
		return CompactionZeroCopyPreferred, nil
	case "copy_always":
		return CompactionCopyAlways, nil
	case "never":
		return CompactionNever, nil
	default:
		return 0, fmt.Errorf("devmem: unknown compaction_policy %q", s)
	}
}

// rawConfig is the literal TOML shape; sizes and the policy are strings
// there so they can be parsed/validated before exposure in Config.
type rawConfig struct {
	GranularityOverride    string  `toml:"granularity_override"`
	FragmentationThreshold float64 `toml:"fragmentation_threshold"`
	DefaultSegmentSize     string  `toml:"default_segment_size"`
	CompactionPolicy       string  `toml:"compaction_policy"`
	MergeAdjacent          *bool   `toml:"merge_adjacent"`
	SampleInterval         string  `toml:"sample_interval"`
}

// Config is the validated, in-memory form of spec.md §6's configuration
// surface, with human-readable sizes and durations resolved to concrete
// byte counts and time.Durations.
type Config struct {
	GranularityOverride   uint64
	FragmentationThreshold float64
	DefaultSegmentSize    uint64
	CompactionPolicy      CompactionPolicy
	MergeAdjacent         bool
	SampleInterval        time.Duration
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		FragmentationThreshold: 0.5,
		DefaultSegmentSize:     16 * 2 * 1024 * 1024, // 16 * G, G = 2MiB
		CompactionPolicy:       CompactionZeroCopyPreferred,
		MergeAdjacent:          true,
		SampleInterval:         time.Second,
	}
}

// LoadConfig reads and validates a TOML configuration document from path,
// following the teacher's convention of keeping parsing (BurntSushi/toml)
// separate from validation. Size fields accept docker/go-units syntax
// ("32MiB", "2Gi", a bare byte count).
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw rawConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, fmt.Errorf("devmem: decoding config %s: %w", path, err)
	}

	if raw.GranularityOverride != "" {
		n, err := units.RAMInBytes(raw.GranularityOverride)
		if err != nil {
			return Config{}, fmt.Errorf("devmem: granularity_override %q: %w", raw.GranularityOverride, err)
		}
		cfg.GranularityOverride = uint64(n)
	}
	if raw.FragmentationThreshold != 0 {
		cfg.FragmentationThreshold = raw.FragmentationThreshold
	}
	if cfg.FragmentationThreshold <= 0 || cfg.FragmentationThreshold >= 1 {
		return Config{}, fmt.Errorf("devmem: fragmentation_threshold must be in (0,1), got %v", cfg.FragmentationThreshold)
	}
	if raw.DefaultSegmentSize != "" {
		n, err := units.RAMInBytes(raw.DefaultSegmentSize)
		if err != nil {
			return Config{}, fmt.Errorf("devmem: default_segment_size %q: %w", raw.DefaultSegmentSize, err)
		}
		cfg.DefaultSegmentSize = uint64(n)
	}
	policy, err := parseCompactionPolicy(raw.CompactionPolicy)
	if err != nil {
		return Config{}, err
	}
	cfg.CompactionPolicy = policy
	if raw.MergeAdjacent != nil {
		cfg.MergeAdjacent = *raw.MergeAdjacent
	}
	if raw.SampleInterval != "" {
		d, err := time.ParseDuration(raw.SampleInterval)
		if err != nil {
			return Config{}, fmt.Errorf("devmem: sample_interval %q: %w", raw.SampleInterval, err)
		}
		cfg.SampleInterval = d
	}

	return cfg, nil
}

// roundDownToGranularity rounds n down to the nearest multiple of g,
// never returning a value larger than n. Used when a configured size
// isn't already granularity-aligned.
func roundDownToGranularity(n, g uint64) uint64 {
	if g == 0 {
		return n
	}
	return (n / g) * g
}
