package vocabulary

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"horse.fit/issue-index/internal/clusters"
)

// CategoryCount is the number of job categories the index is computed for.
const CategoryCount = 13

//go:embed job_tags.yaml
var defaultVocabularyYAML []byte

//go:embed job_tags.schema.json
var vocabularySchemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// Category is one job category and its canonical tag vocabulary.
type Category struct {
	Name string
	Code string
	Tags clusters.TagSet
}

type Vocabulary struct {
	categories []Category
	byKey      map[string]int
}

type fileFormat struct {
	Version    string `yaml:"version"`
	Categories []struct {
		Name string   `yaml:"name"`
		Code string   `yaml:"code"`
		Tags []string `yaml:"tags"`
	} `yaml:"categories"`
}

// Default returns the vocabulary shipped with the binary.
func Default() (*Vocabulary, error) {
	return Parse(defaultVocabularyYAML)
}

// Load reads a vocabulary file, or the shipped one when path is empty.
func Load(path string) (*Vocabulary, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return Default()
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary file %s: %w", trimmed, err)
	}
	v, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("vocabulary file %s: %w", trimmed, err)
	}
	return v, nil
}

// Parse validates a YAML vocabulary document against the schema.
func Parse(raw []byte) (*Vocabulary, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode vocabulary YAML: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var doc fileFormat
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal vocabulary: %w", err)
	}

	categories := make([]Category, 0, len(doc.Categories))
	for _, entry := range doc.Categories {
		categories = append(categories, Category{
			Name: strings.TrimSpace(entry.Name),
			Code: strings.TrimSpace(entry.Code),
			Tags: clusters.NewTagSet(entry.Tags...),
		})
	}
	return New(categories)
}

// New builds a vocabulary from explicit categories.
func New(categories []Category) (*Vocabulary, error) {
	v := &Vocabulary{
		categories: make([]Category, 0, len(categories)),
		byKey:      make(map[string]int, len(categories)*2),
	}
	for i, category := range categories {
		if category.Name == "" {
			return nil, fmt.Errorf("categories[%d]: name must not be empty", i)
		}
		if category.Tags.Len() == 0 {
			return nil, fmt.Errorf("category %q has no tags", category.Name)
		}
		for _, key := range []string{category.Name, category.Code} {
			if key == "" {
				continue
			}
			if _, exists := v.byKey[key]; exists {
				return nil, fmt.Errorf("duplicate category key %q", key)
			}
			v.byKey[key] = i
		}
		v.categories = append(v.categories, category)
	}
	return v, nil
}

// Lookup resolves a display name or ASCII code.
func (v *Vocabulary) Lookup(nameOrCode string) (Category, bool) {
	if v == nil {
		return Category{}, false
	}
	key := strings.TrimSpace(nameOrCode)
	idx, ok := v.byKey[key]
	if !ok {
		idx, ok = v.byKey[strings.ToLower(key)]
	}
	if !ok {
		return Category{}, false
	}
	return v.categories[idx], true
}

// Categories returns categories in file order.
func (v *Vocabulary) Categories() []Category {
	if v == nil {
		return nil
	}
	out := make([]Category, len(v.categories))
	copy(out, v.categories)
	return out
}

// Overlap returns the cluster tags that belong to the category's vocabulary.
func (v *Vocabulary) Overlap(category Category, tags clusters.TagSet) clusters.TagSet {
	return tags.Intersect(category.Tags)
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("job_tags.schema.json", strings.NewReader(vocabularySchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("job_tags.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}
