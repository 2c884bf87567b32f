package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed calibration.yaml
var calibrationYAML []byte

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Archive     ArchiveConfig
	Calibration Calibration
}

type ServerConfig struct {
	Port int // HTTP port for the review API (default 8080)
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the face HNSW index (optional, if empty index is rebuilt on startup)
}

type ArchiveConfig struct {
	DatabaseURL string // MariaDB DSN of the legacy photo archive (e.g., archive:archive@tcp(mariadb:3306)/archive)
}

// Calibration holds the tuned matching parameters. Shipped as an embedded
// YAML file so the engine packages never hardcode thresholds; a replacement
// file can be pointed to with CALIBRATION_PATH.
type Calibration struct {
	Matching  MatchingCalibration  `yaml:"matching"`
	Fusion    FusionCalibration    `yaml:"fusion"`
	Embedding EmbeddingCalibration `yaml:"embedding"`
}

type MatchingCalibration struct {
	DistanceCutoff  float64    `yaml:"distance_cutoff"`
	AmbiguityMargin float64    `yaml:"ambiguity_margin"`
	TierBounds      TierBounds `yaml:"tier_bounds"`
}

// TierBounds are upper bounds in distance space for the four confidence
// tiers. Borderline must equal the distance cutoff.
type TierBounds struct {
	High       float64 `yaml:"high"`
	Medium     float64 `yaml:"medium"`
	Low        float64 `yaml:"low"`
	Borderline float64 `yaml:"borderline"`
}

type FusionCalibration struct {
	ExplosionFactor float64 `yaml:"explosion_factor"`
	ReevalShrink    float64 `yaml:"reeval_shrink"`
}

type EmbeddingCalibration struct {
	Dim             int     `yaml:"dim"`
	VarianceFloor   float64 `yaml:"variance_floor"`
	ScalarTolerance float64 `yaml:"scalar_tolerance"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func Load() (*Config, error) {
	calibration, err := loadCalibration(os.Getenv("CALIBRATION_PATH"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: ServerConfig{
			Port: envInt("PORT", 8080),
		},
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Archive: ArchiveConfig{
			DatabaseURL: os.Getenv("ARCHIVE_DATABASE_URL"),
		},
		Calibration: calibration,
	}, nil
}

// loadCalibration parses the embedded calibration file, or the file at path
// when one is given. External files go through the same validation.
func loadCalibration(path string) (Calibration, error) {
	raw := calibrationYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Calibration{}, fmt.Errorf("read calibration file %s: %w", path, err)
		}
		raw = b
	}

	var c Calibration
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Calibration{}, fmt.Errorf("parse calibration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Calibration{}, fmt.Errorf("invalid calibration: %w", err)
	}
	return c, nil
}

// Validate checks the calibration invariants the engine relies on.
func (c *Calibration) Validate() error {
	if c.Matching.DistanceCutoff <= 0 {
		return fmt.Errorf("matching.distance_cutoff must be positive, got %f", c.Matching.DistanceCutoff)
	}
	tb := c.Matching.TierBounds
	if !(tb.High < tb.Medium && tb.Medium < tb.Low && tb.Low < tb.Borderline) {
		return fmt.Errorf("matching.tier_bounds must be strictly increasing")
	}
	if tb.Borderline != c.Matching.DistanceCutoff {
		return fmt.Errorf("matching.tier_bounds.borderline (%f) must equal matching.distance_cutoff (%f)",
			tb.Borderline, c.Matching.DistanceCutoff)
	}
	if c.Matching.AmbiguityMargin <= 0 || c.Matching.AmbiguityMargin >= 1 {
		return fmt.Errorf("matching.ambiguity_margin must be in (0, 1), got %f", c.Matching.AmbiguityMargin)
	}
	if c.Fusion.ExplosionFactor <= 1 {
		return fmt.Errorf("fusion.explosion_factor must be greater than 1, got %f", c.Fusion.ExplosionFactor)
	}
	if c.Fusion.ReevalShrink <= 0 || c.Fusion.ReevalShrink >= 1 {
		return fmt.Errorf("fusion.reeval_shrink must be in (0, 1), got %f", c.Fusion.ReevalShrink)
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim must be positive, got %d", c.Embedding.Dim)
	}
	if c.Embedding.VarianceFloor <= 0 {
		return fmt.Errorf("embedding.variance_floor must be positive, got %f", c.Embedding.VarianceFloor)
	}
	if c.Embedding.ScalarTolerance <= 0 {
		return fmt.Errorf("embedding.scalar_tolerance must be positive, got %f", c.Embedding.ScalarTolerance)
	}
	return nil
}
