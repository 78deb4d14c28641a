package audits

import (
	"embed"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed config/sites.yaml
var sitesYAML embed.FS

// Registry holds the configuration for all audited sites.
type Registry struct {
	Sites []SiteConfig `yaml:"sites"`
}

// CrawlConfig defines crawl limits for a site.
type CrawlConfig struct {
	MaxPages       int      `yaml:"max_pages,omitempty"`       // Default: 50
	MaxDepth       int      `yaml:"max_depth,omitempty"`       // Default: 3
	RateLimitRPS   float64  `yaml:"rate_limit_rps,omitempty"`  // Requests per second, default: 1.0
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"` // Default: 30
	ExtraDomains   []string `yaml:"extra_domains,omitempty"`   // Beyond the site's own host
	IgnoreRobots   bool     `yaml:"ignore_robots,omitempty"`
}

// SiteConfig defines a single audited site.
type SiteConfig struct {
	ID     uuid.UUID `yaml:"id"`
	Name   string    `yaml:"name"`
	URL    string    `yaml:"url"`
	Audits []string  `yaml:"audits"` // Audit type ids to run, empty = all registered

	Crawl CrawlConfig `yaml:"crawl,omitempty"`
}

// LoadRegistry reads the embedded sites.yaml and returns a Registry.
// The path parameter is kept for local-development overrides.
func LoadRegistry(path string) (*Registry, error) {
	data, err := sitesYAML.ReadFile("config/sites.yaml")
	if err != nil {
		// Fallback to filesystem for local development
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	// Expand environment variables within the YAML content (e.g. ${SITE_URL})
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, err
	}

	return &reg, nil
}

// FindSite resolves a site by id or by exact URL.
func (r *Registry) FindSite(ref string) (*SiteConfig, error) {
	for i := range r.Sites {
		if r.Sites[i].ID.String() == ref || r.Sites[i].URL == ref || r.Sites[i].Name == ref {
			return &r.Sites[i], nil
		}
	}
	return nil, fmt.Errorf("site not found: %s", ref)
}
