package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the production baseline.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      128,
			RejectVeryWeak: true,
		},
	}
}

// FastConfig is a low-cost configuration for tests and local tooling.
// Never use it for real accounts.
func FastConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

type envSetter func(cfg *Config, raw string) error

// envSurface lists every variable FromEnv understands, in evaluation order.
var envSurface = []struct {
	key string
	set envSetter
}{
	{"MURMUR_PASSWORD_MIN_LEN", func(c *Config, v string) error {
		n, err := atoiRange(v, 1, 1024)
		c.Policy.MinLength = n
		return err
	}},
	{"MURMUR_PASSWORD_MAX_LEN", func(c *Config, v string) error {
		n, err := atoiRange(v, 1, 4096)
		c.Policy.MaxLength = n
		return err
	}},
	{"MURMUR_PASSWORD_REJECT_VERY_WEAK", func(c *Config, v string) error {
		b, err := parseBool(v)
		c.Policy.RejectVeryWeak = b
		return err
	}},
	{"MURMUR_ARGON2_MEMORY_KIB", func(c *Config, v string) error {
		u, err := atou32(v, 8*1024, 1024*1024)
		c.Params.MemoryKiB = u
		return err
	}},
	{"MURMUR_ARGON2_ITERATIONS", func(c *Config, v string) error {
		u, err := atou32(v, 1, 20)
		c.Params.Iterations = u
		return err
	}},
	{"MURMUR_ARGON2_PARALLELISM", func(c *Config, v string) error {
		u, err := atou32(v, 1, 64)
		if err != nil {
			return err
		}
		p, err := u32ToU8(u)
		c.Params.Parallelism = p
		return err
	}},
	{"MURMUR_ARGON2_SALT_LEN", func(c *Config, v string) error {
		u, err := atou32(v, 8, 64)
		c.Params.SaltLength = u
		return err
	}},
	{"MURMUR_ARGON2_KEY_LEN", func(c *Config, v string) error {
		u, err := atou32(v, 16, 64)
		c.Params.KeyLength = u
		return err
	}},
}

// FromEnv loads config from MURMUR_PASSWORD_* and MURMUR_ARGON2_* variables on
// top of DefaultConfig. Unset variables keep their defaults.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	for _, e := range envSurface {
		raw, ok := os.LookupEnv(e.key)
		if !ok {
			continue
		}
		if err := e.set(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("%s: %w", e.key, err)
		}
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}

	return cfg, nil
}

func atoiRange(s string, minVal, maxVal int) (int, error) {
	i64, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	i := int(i64)
	if i < minVal || i > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return i, nil
}

func atou32(s string, minVal, maxVal uint32) (uint32, error) {
	u64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	u := uint32(u64)
	if u < minVal || u > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return u, nil
}

func u32ToU8(u uint32) (uint8, error) {
	if u > math.MaxUint8 {
		return 0, fmt.Errorf("out of range [0..%d]", math.MaxUint8)
	}
	return uint8(u), nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean")
	}
}
