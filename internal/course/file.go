package course

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileProvider reads course metadata from a YAML document on every call, so
// edits are picked up by the next sync pass.
type FileProvider struct {
	path string
}

type fileDocument struct {
	Course      Course       `yaml:"course"`
	Assignments []Assignment `yaml:"assignments"`
}

// NewFileProvider creates a provider backed by the YAML file at path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Course(_ context.Context) (Course, error) {
	doc, err := p.load()
	if err != nil {
		return Course{}, err
	}
	return doc.Course, nil
}

func (p *FileProvider) Assignments(_ context.Context) ([]Assignment, error) {
	doc, err := p.load()
	if err != nil {
		return nil, err
	}
	return doc.Assignments, nil
}

func (p *FileProvider) load() (*fileDocument, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read course file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse course file: %w", err)
	}
	for i, a := range doc.Assignments {
		if a.DirectoryPath == "" {
			return nil, fmt.Errorf("assignment %d (%s): directory_path is required", i, a.Name)
		}
	}
	return &doc, nil
}
