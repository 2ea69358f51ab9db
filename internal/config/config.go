package config

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log            LogConfig                      `yaml:"log" mapstructure:"log"`
	Store          StoreConfig                    `yaml:"store" mapstructure:"store"`
	Paths          PathsConfig                    `yaml:"paths" mapstructure:"paths"`
	Calc           CalcConfig                     `yaml:"calc" mapstructure:"calc"`
	Uncertainty    UncertaintyConfig              `yaml:"uncertainty" mapstructure:"uncertainty"`
	QA             QAConfig                       `yaml:"qa" mapstructure:"qa"`
	Extraction     ExtractionConfig               `yaml:"extraction" mapstructure:"extraction"`
	Specifications map[string]SpecificationConfig `yaml:"specifications" mapstructure:"specifications"`
	Policy         PolicyConfig                   `yaml:"policy" mapstructure:"policy"`
	Metrics        MetricsConfig                  `yaml:"metrics" mapstructure:"metrics"`
	Backfill       BackfillConfig                 `yaml:"backfill" mapstructure:"backfill"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StoreConfig configures the release ledger backend.
type StoreConfig struct {
	Driver      string      `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string      `yaml:"database_url" mapstructure:"database_url"`
	Retry       RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures retries of transient ledger errors.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// PathsConfig locates inputs, outputs and pinned artifacts.
type PathsConfig struct {
	InputDir     string `yaml:"input_dir" mapstructure:"input_dir"`
	OutputDir    string `yaml:"output_dir" mapstructure:"output_dir"`
	RegistryPath string `yaml:"registry_path" mapstructure:"registry_path"`
	MappingPath  string `yaml:"mapping_path" mapstructure:"mapping_path"`
}

// CalcConfig holds the index formula parameters.
type CalcConfig struct {
	Alpha         float64 `yaml:"alpha" mapstructure:"alpha"`
	ScaleFactor   float64 `yaml:"scale_factor" mapstructure:"scale_factor"`
	HorizonMonths int     `yaml:"horizon_months" mapstructure:"horizon_months"`
	GeoID         string  `yaml:"geo_id" mapstructure:"geo_id"`
	FallbackGeoID string  `yaml:"fallback_geo_id" mapstructure:"fallback_geo_id"`
}

// UncertaintyConfig configures weight resampling.
type UncertaintyConfig struct {
	Draws         int     `yaml:"draws" mapstructure:"draws"`
	WeightCV      float64 `yaml:"weight_cv" mapstructure:"weight_cv"`
	WeightFloor   float64 `yaml:"weight_floor" mapstructure:"weight_floor"`
	Seed          uint64  `yaml:"seed" mapstructure:"seed"`
	Workers       int     `yaml:"workers" mapstructure:"workers"`
	PointEstimate string  `yaml:"point_estimate" mapstructure:"point_estimate"`
	Confidence    float64 `yaml:"confidence" mapstructure:"confidence"`
}

// QAConfig holds QA gate tolerances and soft-check thresholds.
type QAConfig struct {
	WeightTolerance        float64 `yaml:"weight_tolerance" mapstructure:"weight_tolerance"`
	ContributionTolerance  float64 `yaml:"contribution_tolerance" mapstructure:"contribution_tolerance"`
	OutlierZ               float64 `yaml:"outlier_z" mapstructure:"outlier_z"`
	OutlierWindow          int     `yaml:"outlier_window" mapstructure:"outlier_window"`
	DiscontinuityThreshold float64 `yaml:"discontinuity_threshold" mapstructure:"discontinuity_threshold"`
	VintageAgeWarnYears    int     `yaml:"vintage_age_warn_years" mapstructure:"vintage_age_warn_years"`
	SlackAlignment         string  `yaml:"slack_alignment" mapstructure:"slack_alignment"`
}

// ExtractionConfig configures the expenditure-share table reader.
type ExtractionConfig struct {
	Granularity    string  `yaml:"granularity" mapstructure:"granularity"`
	SheetName      string  `yaml:"sheet_name" mapstructure:"sheet_name"`
	DiagnosticRows int     `yaml:"diagnostic_rows" mapstructure:"diagnostic_rows"`
	ShareMin       float64 `yaml:"share_min" mapstructure:"share_min"`
	ShareMax       float64 `yaml:"share_max" mapstructure:"share_max"`
	// ShareTotalTolerance bounds how far counted shares may total from 100%
	// as a fraction; published shares are rounded to one decimal.
	ShareTotalTolerance float64 `yaml:"share_total_tolerance" mapstructure:"share_total_tolerance"`
}

// SpecificationConfig defines one index specification.
type SpecificationConfig struct {
	Universe    string `yaml:"universe" mapstructure:"universe"`
	SlackInput  string `yaml:"slack_input" mapstructure:"slack_input"`
	Description string `yaml:"description" mapstructure:"description"`
}

// PolicyConfig pins the versions of the governance artifacts in use.
type PolicyConfig struct {
	ManifestVersion string `yaml:"manifest_version" mapstructure:"manifest_version"`
	MappingVersion  string `yaml:"mapping_version" mapstructure:"mapping_version"`
	RegistryVersion string `yaml:"registry_version" mapstructure:"registry_version"`
	QAPolicyVersion string `yaml:"qa_policy_version" mapstructure:"qa_policy_version"`
}

// Versions returns the policy versions as recorded in release metadata.
func (p PolicyConfig) Versions() map[string]string {
	return map[string]string{
		"mapping":   p.MappingVersion,
		"registry":  p.RegistryVersion,
		"qa_policy": p.QAPolicyVersion,
	}
}

// MetricsConfig configures the run metrics textfile.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
}

// BackfillConfig maps historical years to the expenditure-weight vintage
// their runs use.
type BackfillConfig struct {
	Vintages []VintageRange `yaml:"vintages" mapstructure:"vintages"`
}

// VintageRange assigns weight vintage Vintage to the years FirstYear through
// LastYear. InputDir holds that vintage's curated inputs; empty means
// <paths.input_dir>/vintage_<Vintage>.
type VintageRange struct {
	FirstYear int    `yaml:"first_year" mapstructure:"first_year"`
	LastYear  int    `yaml:"last_year" mapstructure:"last_year"`
	Vintage   int    `yaml:"vintage" mapstructure:"vintage"`
	InputDir  string `yaml:"input_dir" mapstructure:"input_dir"`
}

// VintageFor returns the range covering year.
func (b BackfillConfig) VintageFor(year int) (VintageRange, error) {
	for _, r := range b.Vintages {
		if year >= r.FirstYear && year <= r.LastYear {
			return r, nil
		}
	}
	return VintageRange{}, eris.Errorf("config: no backfill weight vintage covers %d", year)
}

// Validate rejects empty, inverted or overlapping ranges.
func (b BackfillConfig) Validate() error {
	rs := slices.Clone(b.Vintages)
	slices.SortFunc(rs, func(a, b VintageRange) int { return a.FirstYear - b.FirstYear })
	for i, r := range rs {
		if r.Vintage <= 0 || r.FirstYear > r.LastYear {
			return eris.Errorf("config: backfill vintage range %d-%d -> %d is invalid", r.FirstYear, r.LastYear, r.Vintage)
		}
		if i > 0 && r.FirstYear <= rs[i-1].LastYear {
			return eris.Errorf("config: backfill vintage ranges overlap at %d", r.FirstYear)
		}
	}
	return nil
}

// Load reads configuration from file and environment. When path is empty,
// config.yaml is looked up in the working directory and is optional.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("DMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional unless explicitly named)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "dmi.db")
	v.SetDefault("store.retry.max_attempts", 4)
	v.SetDefault("store.retry.initial_backoff_ms", 100)
	v.SetDefault("store.retry.max_backoff_ms", 5000)
	v.SetDefault("store.retry.multiplier", 2.0)
	v.SetDefault("store.retry.jitter_fraction", 0.2)
	v.SetDefault("paths.input_dir", "data/curated")
	v.SetDefault("paths.output_dir", "data/outputs")
	v.SetDefault("paths.registry_path", "")
	v.SetDefault("paths.mapping_path", "")
	v.SetDefault("calc.alpha", 0.5)
	v.SetDefault("calc.scale_factor", 2.0)
	v.SetDefault("calc.horizon_months", 12)
	v.SetDefault("calc.geo_id", "US")
	v.SetDefault("calc.fallback_geo_id", "")
	v.SetDefault("uncertainty.draws", 1000)
	v.SetDefault("uncertainty.weight_cv", 0.05)
	v.SetDefault("uncertainty.weight_floor", 0.001)
	v.SetDefault("uncertainty.seed", 42)
	v.SetDefault("uncertainty.workers", 0)
	v.SetDefault("uncertainty.point_estimate", string(PointMedian))
	v.SetDefault("uncertainty.confidence", 0.95)
	v.SetDefault("qa.weight_tolerance", 1e-6)
	v.SetDefault("qa.contribution_tolerance", 1e-2)
	v.SetDefault("qa.outlier_z", 3.0)
	v.SetDefault("qa.outlier_window", 12)
	v.SetDefault("qa.discontinuity_threshold", 1.0)
	v.SetDefault("qa.vintage_age_warn_years", 2)
	v.SetDefault("qa.slack_alignment", string(SlackSameReferenceMonth))
	v.SetDefault("extraction.granularity", "quintile")
	v.SetDefault("extraction.sheet_name", "")
	v.SetDefault("extraction.diagnostic_rows", 40)
	v.SetDefault("extraction.share_min", 0.0)
	v.SetDefault("extraction.share_max", 100.0)
	v.SetDefault("extraction.share_total_tolerance", 0.005)
	v.SetDefault("specifications", map[string]any{
		"baseline": map[string]any{
			"universe":    "headline",
			"slack_input": "slack_u3",
			"description": "Headline CPI categories with the U-3 unemployment rate",
		},
		"core": map[string]any{
			"universe":    "core",
			"slack_input": "slack_u3",
			"description": "CPI categories excluding food and beverages",
		},
		"u6": map[string]any{
			"universe":    "headline",
			"slack_input": "slack_u6",
			"description": "Headline CPI categories with the U-6 underutilization rate",
		},
	})
	v.SetDefault("policy.manifest_version", "0.1.8")
	v.SetDefault("policy.mapping_version", "ce_table_to_cpi_mapping_v0_1")
	v.SetDefault("policy.registry_version", "category_registry_v0_1")
	v.SetDefault("policy.qa_policy_version", "qa_policy_v0_1")
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("backfill.vintages", []map[string]any{
		{"first_year": 2010, "last_year": 2012, "vintage": 2010},
		{"first_year": 2013, "last_year": 2014, "vintage": 2013},
		{"first_year": 2015, "last_year": 2016, "vintage": 2015},
		{"first_year": 2017, "last_year": 2018, "vintage": 2017},
		{"first_year": 2019, "last_year": 2020, "vintage": 2019},
		{"first_year": 2021, "last_year": 2022, "vintage": 2021},
		{"first_year": 2023, "last_year": 2024, "vintage": 2023},
	})
}

// Validate checks the closed option sets. Unknown values fail rather than
// falling back to a default.
func (c *Config) Validate() error {
	if _, err := ParsePointEstimate(c.Uncertainty.PointEstimate); err != nil {
		return err
	}
	if _, err := ParseSlackAlignment(c.QA.SlackAlignment); err != nil {
		return err
	}
	switch c.Extraction.Granularity {
	case "quintile", "decile":
	default:
		return eris.Errorf("config: unknown extraction.granularity %q (valid: quintile, decile)", c.Extraction.Granularity)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store.driver %q (valid: sqlite, postgres)", c.Store.Driver)
	}
	if len(c.Specifications) == 0 {
		return eris.New("config: no specifications defined")
	}
	for id, spec := range c.Specifications {
		if spec.Universe == "" || spec.SlackInput == "" {
			return eris.Errorf("config: specification %q needs universe and slack_input", id)
		}
	}
	return c.Backfill.Validate()
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
