// Package imagery resolves image intents from model replies to picture URLs.
package imagery

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Resolver maps an image description to a URL.
type Resolver interface {
	ResolveImageForIntent(ctx context.Context, description string) (url string, ok bool, err error)
}

// Entry is one picture in the catalog.
type Entry struct {
	URL  string   `yaml:"url" validate:"required,url"`
	Tags []string `yaml:"tags" validate:"required,min=1,dive,required"`
}

// Catalog is a keyword-tagged list of pictures.
type Catalog struct {
	// Default is served when no entry matches. Empty disables the fallback.
	Default string  `yaml:"default" validate:"omitempty,url"`
	Images  []Entry `yaml:"images" validate:"dive"`
}

var _ Resolver = (*Catalog)(nil)

// LoadCatalog reads a YAML catalog. An empty path yields an empty catalog
// that never resolves.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse image catalog: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("failed to validate image catalog: %w", err)
	}

	for i := range c.Images {
		for j, tag := range c.Images[i].Tags {
			c.Images[i].Tags[j] = strings.ToLower(strings.TrimSpace(tag))
		}
	}
	return &c, nil
}

// ResolveImageForIntent returns the entry sharing the most tags with the
// description. Ties go to the earlier entry.
func (c *Catalog) ResolveImageForIntent(ctx context.Context, description string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	desc := strings.ToLower(description)
	best, bestScore := -1, 0
	for i, e := range c.Images {
		score := 0
		for _, tag := range e.Tags {
			if tag != "" && strings.Contains(desc, tag) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best >= 0 {
		return c.Images[best].URL, true, nil
	}
	if c.Default != "" {
		return c.Default, true, nil
	}
	return "", false, nil
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int { return len(c.Images) }
