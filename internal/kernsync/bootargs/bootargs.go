// Package bootargs holds the boot-time configuration of the turnstile
// subsystem and parses it from kernel-style boot-argument strings.
//
// Boot arguments are whitespace separated key=value pairs:
//
//	turnstile_max_hop=16 ts_htable_buckets=64 ts_workq_redrive=raise
//
// Recognised keys:
//   - turnstile_max_hop: propagation hop bound (default 10)
//   - ts_htable_buckets: hash buckets, power of two (default 32, max 1024)
//   - ts_compact_ids: compact ID table size, power of two (default 4096)
//   - ts_zone_limit: maximum live turnstiles, 0 = unlimited (default 0)
//   - ts_workq_redrive: "cross" or "raise" (default cross)
//   - ts_alloc_sites: 1 to record allocation stacks (default 0)
//
// Unknown keys are reported as errors so that typos do not silently fall
// back to defaults.
package bootargs

import (
	"fmt"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/kolkov/kernsync/internal/kernsync/compactid"
	"github.com/kolkov/kernsync/internal/kernsync/priority"
)

// Defaults and hard limits.
const (
	DefaultMaxHops     = 10
	DefaultHashBuckets = 32
	MaxHashBuckets     = 1024
	DefaultCompactIDs  = 4096

	// EnvVar names the environment variable FromEnv reads.
	EnvVar = "KERNSYNC_BOOTARGS"
)

// RedrivePolicy decides when a worker-pool terminal asks for a new thread.
type RedrivePolicy uint8

const (
	// RedriveOnCross redrives only when the priority crosses the throttle
	// threshold from at-or-below to above.
	RedriveOnCross RedrivePolicy = iota
	// RedriveOnRaise redrives on every increase while above the threshold.
	RedriveOnRaise
)

// String returns the boot-arg spelling of the policy.
func (p RedrivePolicy) String() string {
	if p == RedriveOnRaise {
		return "raise"
	}
	return "cross"
}

// Config is the boot-time configuration.
type Config struct {
	// MaxHops bounds a single propagation walk.
	MaxHops int

	// HashBuckets is the bucket count of each hash table.
	HashBuckets int

	// CompactIDs is the size of the compact ID table.
	CompactIDs int

	// ZoneLimit caps live turnstiles; Allocate blocks at the cap.
	// Zero means unlimited.
	ZoneLimit int

	// Redrive selects the worker-pool redrive policy.
	Redrive RedrivePolicy

	// Scale holds the scheduler's priority constants.
	Scale priority.Scale

	// TrackAllocSites records an allocation stack per turnstile.
	TrackAllocSites bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MaxHops:     DefaultMaxHops,
		HashBuckets: DefaultHashBuckets,
		CompactIDs:  DefaultCompactIDs,
		Scale:       priority.DefaultScale,
	}
}

// Normalize fills zero fields with defaults and clamps out-of-range values.
// It returns one warning per adjusted field.
func (c Config) Normalize() (Config, []string) {
	var warnings []string

	if c.MaxHops <= 0 {
		if c.MaxHops < 0 {
			warnings = append(warnings, fmt.Sprintf("max hops %d invalid, using %d", c.MaxHops, DefaultMaxHops))
		}
		c.MaxHops = DefaultMaxHops
	}

	switch {
	case c.HashBuckets == 0:
		c.HashBuckets = DefaultHashBuckets
	case c.HashBuckets < 0:
		warnings = append(warnings, fmt.Sprintf("hash buckets %d invalid, using %d", c.HashBuckets, DefaultHashBuckets))
		c.HashBuckets = DefaultHashBuckets
	case c.HashBuckets > MaxHashBuckets:
		warnings = append(warnings, fmt.Sprintf("hash buckets %d above maximum, using %d", c.HashBuckets, MaxHashBuckets))
		c.HashBuckets = MaxHashBuckets
	}
	if bits.OnesCount(uint(c.HashBuckets)) != 1 {
		rounded := 1 << bits.Len(uint(c.HashBuckets))
		if rounded > MaxHashBuckets {
			rounded = MaxHashBuckets
		}
		warnings = append(warnings, fmt.Sprintf("hash buckets %d not a power of two, using %d", c.HashBuckets, rounded))
		c.HashBuckets = rounded
	}

	switch {
	case c.CompactIDs == 0:
		c.CompactIDs = DefaultCompactIDs
	case c.CompactIDs < 2:
		warnings = append(warnings, fmt.Sprintf("compact ids %d too small, using 2", c.CompactIDs))
		c.CompactIDs = 2
	case c.CompactIDs > compactid.MaxCapacity:
		warnings = append(warnings, fmt.Sprintf("compact ids %d above maximum, using %d", c.CompactIDs, compactid.MaxCapacity))
		c.CompactIDs = compactid.MaxCapacity
	}
	if bits.OnesCount(uint(c.CompactIDs)) != 1 {
		rounded := 1 << bits.Len(uint(c.CompactIDs))
		if rounded > compactid.MaxCapacity {
			rounded = compactid.MaxCapacity
		}
		warnings = append(warnings, fmt.Sprintf("compact ids %d not a power of two, using %d", c.CompactIDs, rounded))
		c.CompactIDs = rounded
	}

	if c.ZoneLimit < 0 {
		warnings = append(warnings, fmt.Sprintf("zone limit %d invalid, using unlimited", c.ZoneLimit))
		c.ZoneLimit = 0
	}

	if c.Scale == (priority.Scale{}) {
		c.Scale = priority.DefaultScale
	} else if err := c.Scale.Validate(); err != nil {
		warnings = append(warnings, err.Error()+", using default scale")
		c.Scale = priority.DefaultScale
	}

	return c, warnings
}

// Parse applies boot arguments on top of Default. The returned Config is
// not normalized; call Normalize before use.
func Parse(args string) (Config, error) {
	return Default().Apply(args)
}

// Apply applies boot arguments on top of c.
func (c Config) Apply(args string) (Config, error) {
	for _, field := range strings.Fields(args) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return c, &ParseError{
				Key:        field,
				Message:    "missing value",
				Suggestion: "Boot arguments take the form key=value",
			}
		}
		if err := c.set(key, value); err != nil {
			return c, err
		}
	}
	return c, nil
}

// FromEnv parses the boot arguments held in the KERNSYNC_BOOTARGS
// environment variable. An unset variable yields Default.
func FromEnv() (Config, error) {
	return Parse(os.Getenv(EnvVar))
}

func (c *Config) set(key, value string) error {
	switch key {
	case "turnstile_max_hop":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		c.MaxHops = n
	case "ts_htable_buckets":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		c.HashBuckets = n
	case "ts_compact_ids":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		c.CompactIDs = n
	case "ts_zone_limit":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		c.ZoneLimit = n
	case "ts_workq_redrive":
		switch value {
		case "cross":
			c.Redrive = RedriveOnCross
		case "raise":
			c.Redrive = RedriveOnRaise
		default:
			return &ParseError{
				Key:        key,
				Value:      value,
				Message:    "unknown redrive policy",
				Suggestion: `Use "cross" or "raise"`,
			}
		}
	case "ts_alloc_sites":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return &ParseError{Key: key, Value: value, Message: "not a boolean", Err: err}
		}
		c.TrackAllocSites = b
	default:
		return &ParseError{
			Key:        key,
			Value:      value,
			Message:    "unknown boot argument",
			Suggestion: "Known keys: turnstile_max_hop, ts_htable_buckets, ts_compact_ids, ts_zone_limit, ts_workq_redrive, ts_alloc_sites",
			Err:        ErrUnknownKey,
		}
	}
	return nil
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &ParseError{Key: key, Value: value, Message: "not an integer", Err: err}
	}
	return n, nil
}

// String renders c as boot arguments.
func (c Config) String() string {
	alloc := 0
	if c.TrackAllocSites {
		alloc = 1
	}
	return fmt.Sprintf("turnstile_max_hop=%d ts_htable_buckets=%d ts_compact_ids=%d ts_zone_limit=%d ts_workq_redrive=%s ts_alloc_sites=%d",
		c.MaxHops, c.HashBuckets, c.CompactIDs, c.ZoneLimit, c.Redrive, alloc)
}
