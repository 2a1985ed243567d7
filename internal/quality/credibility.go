package quality

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TLDRule scores every domain ending in Suffix.
type TLDRule struct {
	Suffix string  `yaml:"suffix"`
	Score  float64 `yaml:"score"`
}

// DomainGroup scores a list of domains and their subdomains.
type DomainGroup struct {
	Category string   `yaml:"category"`
	Score    float64  `yaml:"score"`
	Domains  []string `yaml:"domains"`
}

// Credibility scores source domains. Rules are checked in order: TLD
// suffixes, then domain groups, then the default.
type Credibility struct {
	TLDPatterns  []TLDRule     `yaml:"tld_patterns"`
	DomainGroups []DomainGroup `yaml:"domain_groups"`
	DefaultScore float64       `yaml:"default_score"`
}

// DefaultCredibility is used when no rules file is configured.
func DefaultCredibility() *Credibility {
	return &Credibility{
		TLDPatterns:  []TLDRule{{Suffix: ".edu", Score: 0.85}, {Suffix: ".gov", Score: 0.8}},
		DefaultScore: 0.6,
	}
}

// LoadCredibility reads rules from a YAML file.
func LoadCredibility(path string) (*Credibility, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credibility rules: %w", err)
	}
	var c Credibility
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credibility rules: %w", err)
	}
	if c.DefaultScore <= 0 {
		c.DefaultScore = 0.6
	}
	return &c, nil
}

// Score returns the credibility of the domain serving rawURL.
func (c *Credibility) Score(rawURL string) float64 {
	domain, err := ExtractDomain(rawURL)
	if err != nil || domain == "" {
		return c.DefaultScore
	}
	for _, p := range c.TLDPatterns {
		if strings.HasSuffix(domain, p.Suffix) {
			return p.Score
		}
	}
	for _, g := range c.DomainGroups {
		for _, known := range g.Domains {
			known = strings.ToLower(known)
			if domain == known || strings.HasSuffix(domain, "."+known) {
				return g.Score
			}
		}
	}
	return c.DefaultScore
}

// ExtractDomain returns the lowercase host of rawURL without port or a
// leading "www.".
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Host)
	if i := strings.Index(host, ":"); i != -1 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www."), nil
}

// NormalizeURL canonicalises a URL for de-duplication: lowercase scheme and
// host, no "www.", no fragment, no tracking parameters, no trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid", "ref"} {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// sourceKey identifies the origin of a source for cross-source counting:
// the normalised URL when present, else the source id.
func sourceKey(id, rawURL string) string {
	if rawURL != "" {
		if n, err := NormalizeURL(rawURL); err == nil {
			return n
		}
	}
	return "id:" + id
}
