// Package catalog holds the list of named destinations a user can point at.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"compass-ng/internal/geodesy"
)

var (
	ErrUnknownCountry = errors.New("unknown country")
	ErrUnknownCity    = errors.New("unknown city")
)

//go:embed default.yaml
var defaultYAML []byte

type City struct {
	Name string  `yaml:"name" json:"name"`
	Lat  float64 `yaml:"lat" json:"lat"`
	Lon  float64 `yaml:"lon" json:"lon"`
}

func (c City) Point() geodesy.GeoPoint {
	return geodesy.GeoPoint{Lat: c.Lat, Lon: c.Lon}
}

type Country struct {
	Name   string `yaml:"name" json:"name"`
	Cities []City `yaml:"cities" json:"cities"`
}

// Catalog is an ordered country -> city list.
type Catalog struct {
	Countries []Country `yaml:"countries" json:"countries"`
}

// Destination is what the controller points at.
type Destination struct {
	Label string           `json:"label"`
	Point geodesy.GeoPoint `json:"point"`
}

var loadDefault = sync.OnceValues(func() (*Catalog, error) {
	return Parse(defaultYAML)
})

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default is invalid: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path returns Default().
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(c.Countries) == 0 {
		return nil, fmt.Errorf("countries is required")
	}
	seen := map[string]bool{}
	for i, country := range c.Countries {
		name := strings.TrimSpace(country.Name)
		if name == "" {
			return nil, fmt.Errorf("countries[%d].name is required", i)
		}
		if seen[strings.ToLower(name)] {
			return nil, fmt.Errorf("duplicate country %q", name)
		}
		seen[strings.ToLower(name)] = true

		cities := map[string]bool{}
		for j, city := range country.Cities {
			if strings.TrimSpace(city.Name) == "" {
				return nil, fmt.Errorf("countries[%d].cities[%d].name is required", i, j)
			}
			if err := city.Point().Validate(); err != nil {
				return nil, fmt.Errorf("%s/%s: %w", name, city.Name, err)
			}
			key := strings.ToLower(city.Name)
			if cities[key] {
				return nil, fmt.Errorf("duplicate city %q in %s", city.Name, name)
			}
			cities[key] = true
		}
	}
	return &c, nil
}

func (c *Catalog) CountryNames() []string {
	out := make([]string, 0, len(c.Countries))
	for _, country := range c.Countries {
		out = append(out, country.Name)
	}
	return out
}

// Cities lists the cities of a country, matched case-insensitively.
func (c *Catalog) Cities(country string) ([]City, error) {
	for _, co := range c.Countries {
		if strings.EqualFold(co.Name, strings.TrimSpace(country)) {
			return co.Cities, nil
		}
	}
	return nil, fmt.Errorf("catalog: %w: %q", ErrUnknownCountry, country)
}

// Lookup resolves a country/city pair into a destination labelled with the
// city name.
func (c *Catalog) Lookup(country, city string) (Destination, error) {
	cities, err := c.Cities(country)
	if err != nil {
		return Destination{}, err
	}
	for _, ci := range cities {
		if strings.EqualFold(ci.Name, strings.TrimSpace(city)) {
			return Destination{Label: ci.Name, Point: ci.Point()}, nil
		}
	}
	return Destination{}, fmt.Errorf("catalog: %w: %q in %s", ErrUnknownCity, city, country)
}

// Custom validates a user-entered point and labels it with its coordinates.
func Custom(lat, lon float64) (Destination, error) {
	p := geodesy.GeoPoint{Lat: lat, Lon: lon}
	if err := p.Validate(); err != nil {
		return Destination{}, err
	}
	return Destination{Label: CustomLabel(p), Point: p}, nil
}

func CustomLabel(p geodesy.GeoPoint) string {
	return fmt.Sprintf("Custom (%.4f, %.4f)", p.Lat, p.Lon)
}
