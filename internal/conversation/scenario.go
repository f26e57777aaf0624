package conversation

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Personality is a DISC behavioural style.
type Personality string

const (
	Dominant      Personality = "D"
	Influential   Personality = "I"
	Steady        Personality = "S"
	Conscientious Personality = "C"
)

// Difficulty tunes how much resistance the persona puts up.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// ParsePersonality accepts a DISC letter or its full name.
func ParsePersonality(s string) Personality {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "d", "dominant", "dominance":
		return Dominant
	case "i", "influential", "influence":
		return Influential
	case "s", "steady", "steadiness":
		return Steady
	case "c", "conscientious", "conscientiousness":
		return Conscientious
	}
	return ""
}

// ParseDifficulty is case-insensitive and defaults to medium.
func ParseDifficulty(s string) Difficulty {
	switch Difficulty(strings.ToLower(strings.TrimSpace(s))) {
	case Easy:
		return Easy
	case Hard:
		return Hard
	}
	return Medium
}

// Scenario describes the persona the user practices against.
type Scenario struct {
	ID          string      `yaml:"id" json:"id"`
	Title       string      `yaml:"title" json:"title"`
	ClientName  string      `yaml:"client_name" json:"clientName"`
	ClientType  string      `yaml:"client_type" json:"clientType"`
	Brief       string      `yaml:"brief" json:"brief"`
	Personality Personality `yaml:"personality" json:"personality"`
	Difficulty  Difficulty  `yaml:"difficulty" json:"difficulty"`
	OpeningLine string      `yaml:"opening_line" json:"openingLine"`
	VoiceID     string      `yaml:"voice_id" json:"voiceId"`
}

// Validate normalizes tags and checks required fields.
func (s *Scenario) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("scenario: id is required")
	}
	if strings.TrimSpace(s.ClientName) == "" {
		return fmt.Errorf("scenario %q: client_name is required", s.ID)
	}
	s.Difficulty = ParseDifficulty(string(s.Difficulty))
	if s.Personality != "" {
		p := ParsePersonality(string(s.Personality))
		if p == "" {
			return fmt.Errorf("scenario %q: unknown personality %q", s.ID, s.Personality)
		}
		s.Personality = p
	}
	return nil
}

//go:embed scenarios.yaml
var defaultScenarios []byte

// Catalog is an immutable set of scenarios keyed by id.
type Catalog struct {
	list []Scenario
	byID map[string]Scenario
}

type catalogFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadCatalog parses a YAML document with a top-level "scenarios" list.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode scenarios: %w", err)
	}
	c := &Catalog{byID: make(map[string]Scenario, len(f.Scenarios))}
	for _, s := range f.Scenarios {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("scenario %q defined twice", s.ID)
		}
		c.byID[s.ID] = s
		c.list = append(c.list, s)
	}
	return c, nil
}

// LoadCatalogFile reads a catalog from disk, falling back to the built-in
// scenarios when path is empty.
func LoadCatalogFile(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenarios: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// DefaultCatalog returns the built-in practice scenarios.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(bytes.NewReader(defaultScenarios))
	if err != nil {
		panic(fmt.Sprintf("embedded scenarios are invalid: %v", err))
	}
	return c
}

func (c *Catalog) Get(id string) (Scenario, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// All returns the scenarios in file order.
func (c *Catalog) All() []Scenario {
	out := make([]Scenario, len(c.list))
	copy(out, c.list)
	return out
}
