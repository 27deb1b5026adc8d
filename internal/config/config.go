package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deliverline/internal/domain"
)

// Config models deliverline.yml.
type Config struct {
	Departments  Departments     `yaml:"departments"`
	Scan         Scan            `yaml:"scan"`
	Deliverables Deliverables    `yaml:"deliverables"`
	Server       Server          `yaml:"server"`
	Webhooks     []WebhookConfig `yaml:"webhooks"`
}

type Departments struct {
	All                []string `yaml:"all"`
	Technical          []string `yaml:"technical"`
	GeneralManagement  string   `yaml:"general_management"`
	TechnicalDirection string   `yaml:"technical_direction"`
}

type Scan struct {
	DefaultDepartment   string        `yaml:"default_department"`
	DefaultDeadlineDays int           `yaml:"default_deadline_days"`
	NameMax             int           `yaml:"name_max"`
	DescriptionMax      int           `yaml:"description_max"`
	Rules               []KeywordRule `yaml:"rules"`
	DateLayouts         []DateLayout  `yaml:"date_layouts"`
}

// KeywordRule routes a scanned document to Department when any keyword occurs in its text.
type KeywordRule struct {
	Department string   `yaml:"department"`
	Keywords   []string `yaml:"keywords"`
}

// DateLayout pairs a regular expression with the Go time layout used to parse its match.
type DateLayout struct {
	Pattern string `yaml:"pattern"`
	Layout  string `yaml:"layout"`
}

type Deliverables struct {
	// DeletePolicy is "role" or "unconditional".
	DeletePolicy string `yaml:"delete_policy"`
}

type Server struct {
	RateLimit struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	TokenTTLHours int `yaml:"token_ttl_hours"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	DeletePolicyRole          = "role"
	DeletePolicyUnconditional = "unconditional"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Departments.All) == 0 {
		return fmt.Errorf("config.departments.all is required")
	}
	seen := map[string]bool{}
	for _, d := range c.Departments.All {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("config.departments.all contains an empty department")
		}
		if seen[d] {
			return fmt.Errorf("config.departments.all lists %q twice", d)
		}
		seen[d] = true
	}
	for _, d := range c.Departments.Technical {
		if !seen[d] {
			return fmt.Errorf("technical department %q is not in config.departments.all", d)
		}
	}
	if !seen[c.Departments.GeneralManagement] {
		return fmt.Errorf("config.departments.general_management %q is not a known department", c.Departments.GeneralManagement)
	}
	if !seen[c.Departments.TechnicalDirection] {
		return fmt.Errorf("config.departments.technical_direction %q is not a known department", c.Departments.TechnicalDirection)
	}
	if strings.TrimSpace(c.Scan.DefaultDepartment) == "" {
		return fmt.Errorf("config.scan.default_department is required")
	}
	if c.Scan.DefaultDeadlineDays <= 0 {
		return fmt.Errorf("config.scan.default_deadline_days must be positive")
	}
	if c.Scan.NameMax <= 0 || c.Scan.DescriptionMax <= 0 {
		return fmt.Errorf("config.scan.name_max and description_max must be positive")
	}
	for i, rule := range c.Scan.Rules {
		if strings.TrimSpace(rule.Department) == "" {
			return fmt.Errorf("scan rule %d has empty department", i)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("scan rule %d (%s) has no keywords", i, rule.Department)
		}
		for _, kw := range rule.Keywords {
			if strings.TrimSpace(kw) == "" {
				return fmt.Errorf("scan rule %d (%s) has an empty keyword", i, rule.Department)
			}
		}
	}
	for i, dl := range c.Scan.DateLayouts {
		if _, err := regexp.Compile(dl.Pattern); err != nil {
			return fmt.Errorf("scan date layout %d: invalid pattern: %w", i, err)
		}
		if strings.TrimSpace(dl.Layout) == "" {
			return fmt.Errorf("scan date layout %d has empty layout", i)
		}
	}
	switch c.Deliverables.DeletePolicy {
	case DeletePolicyRole, DeletePolicyUnconditional:
	default:
		return fmt.Errorf("config.deliverables.delete_policy must be %q or %q", DeletePolicyRole, DeletePolicyUnconditional)
	}
	if c.Server.RateLimit.PerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit values must not be negative")
	}
	if c.Server.RateLimit.PerSecond > 0 && c.Server.RateLimit.Burst < 1 {
		return fmt.Errorf("config.server.rate_limit.burst must be at least 1 when per_second is set")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Catalog turns the departments section into the catalog used by the access policy.
func (c *Config) Catalog() domain.Catalog {
	if c == nil || len(c.Departments.All) == 0 {
		return domain.DefaultCatalog()
	}
	conv := func(in []string) []domain.Department {
		out := make([]domain.Department, 0, len(in))
		for _, d := range in {
			out = append(out, domain.Department(d))
		}
		return out
	}
	return domain.Catalog{
		All:                conv(c.Departments.All),
		Technical:          conv(c.Departments.Technical),
		GeneralManagement:  domain.Department(c.Departments.GeneralManagement),
		TechnicalDirection: domain.Department(c.Departments.TechnicalDirection),
	}
}

// DefaultDeadline is the fallback span for scanned documents without a readable date.
func (c *Config) DefaultDeadline() time.Duration {
	return time.Duration(c.Scan.DefaultDeadlineDays) * 24 * time.Hour
}

func (c *Config) TokenTTL() time.Duration {
	if c.Server.TokenTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Server.TokenTTLHours) * time.Hour
}

// HasDepartment reports whether name is in the configured department list.
func (c *Config) HasDepartment(name string) bool {
	return slices.Contains(c.Departments.All, name)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "deliverline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out of the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg back to YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

const defaultTemplate = `departments:
  all:
    - General Management
    - Technical Direction
    - Development
    - Marketing
    - Design
    - Sales
    - Human Resources
    - Finance
    - Customer Support
  technical:
    - Technical Direction
    - Development
    - Design
  general_management: General Management
  technical_direction: Technical Direction

scan:
  default_department: General
  default_deadline_days: 7
  name_max: 50
  description_max: 200
  rules:
    - department: Development
      keywords: [dev, technique, code]
    - department: Marketing
      keywords: [market, vente, commercial]
    - department: Design
      keywords: [design, ui, ux]
    - department: Human Resources
      keywords: [rh, ressource, personnel]
    - department: General Management
      keywords: [direction, manager, chef]
  date_layouts:
    - pattern: '\b\d{2}/\d{2}/\d{4}\b'
      layout: 02/01/2006
    - pattern: '\b\d{2}-\d{2}-\d{4}\b'
      layout: 02-01-2006
    - pattern: '\b\d{4}-\d{2}-\d{2}\b'
      layout: 2006-01-02
    - pattern: '\b\d{2} \d{2} \d{4}\b'
      layout: 02 01 2006

deliverables:
  delete_policy: role

server:
  rate_limit:
    per_second: 10
    burst: 20
  token_ttl_hours: 24
`
