// Package config loads and validates the collector tunables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Pam-La/oldgen_gc/internal/heuristics"
	"github.com/Pam-La/oldgen_gc/internal/marking"
	"github.com/Pam-La/oldgen_gc/internal/oldgen"
	"github.com/Pam-La/oldgen_gc/internal/satb"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("pow2", validatePowerOfTwo)
}

// validatePowerOfTwo accepts positive powers of two.
func validatePowerOfTwo(fl validator.FieldLevel) bool {
	f := fl.Field()
	var v uint64
	switch {
	case f.CanInt():
		if f.Int() <= 0 {
			return false
		}
		v = uint64(f.Int())
	case f.CanUint():
		v = f.Uint()
	default:
		return false
	}
	return v != 0 && v&(v-1) == 0
}

// Config holds every tunable. Zero fields take the defaults from Default when
// loaded through Load.
type Config struct {
	// ChunkSizeThreshold is the minimum array length that gets split.
	ChunkSizeThreshold int `yaml:"chunk_size_threshold" validate:"gte=1"`
	// Workers is the size of the marking pool.
	Workers           int    `yaml:"workers" validate:"gte=1,lte=1024"`
	StatsCacheEntries int    `yaml:"stats_cache_entries" validate:"pow2"`
	QueueCapacity     uint64 `yaml:"queue_capacity" validate:"pow2"`

	SATBBufferSize        int    `yaml:"satb_buffer_size" validate:"gte=1"`
	SATBCompletedCapacity uint64 `yaml:"satb_completed_capacity" validate:"pow2"`

	EvacuationReserveRegions int `yaml:"evacuation_reserve_regions" validate:"gte=0"`

	RegionWords uint64 `yaml:"region_words" validate:"gte=64"`
	RegionCount int    `yaml:"region_count" validate:"gte=2"`

	OldOccupancyTriggerPercent int `yaml:"old_occupancy_trigger_percent" validate:"gte=1,lte=100"`
	GarbageThresholdPercent    int `yaml:"garbage_threshold_percent" validate:"gte=1,lte=100"`
}

func Default() Config {
	return Config{
		ChunkSizeThreshold:         512,
		Workers:                    4,
		StatsCacheEntries:          1024,
		QueueCapacity:              1 << 14,
		SATBBufferSize:             256,
		SATBCompletedCapacity:      1024,
		EvacuationReserveRegions:   4,
		RegionWords:                1 << 15,
		RegionCount:                256,
		OldOccupancyTriggerPercent: 60,
		GarbageThresholdPercent:    25,
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) Marking(logger *slog.Logger) marking.Config {
	return marking.Config{
		Workers:           c.Workers,
		ChunkThreshold:    c.ChunkSizeThreshold,
		StatsCacheEntries: c.StatsCacheEntries,
		QueueCapacity:     c.QueueCapacity,
		Logger:            logger,
	}
}

func (c Config) SATB() satb.Config {
	return satb.Config{
		BufferSize:        c.SATBBufferSize,
		CompletedCapacity: c.SATBCompletedCapacity,
	}
}

func (c Config) Heuristics(logger *slog.Logger) heuristics.Config {
	return heuristics.Config{
		TriggerPercent: c.OldOccupancyTriggerPercent,
		GarbagePercent: c.GarbageThresholdPercent,
		Logger:         logger,
	}
}

func (c Config) OldGen(logger *slog.Logger, sp oldgen.Safepoint) oldgen.Config {
	return oldgen.Config{
		Marking:                  c.Marking(logger),
		EvacuationReserveRegions: c.EvacuationReserveRegions,
		Safepoint:                sp,
		Logger:                   logger,
	}
}
