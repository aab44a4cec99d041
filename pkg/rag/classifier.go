package rag

import (
	"path/filepath"
	"strings"
)

// Well-known content types produced by the default profiles.
const (
	ContentTypeCode          = "code"
	ContentTypeTable         = "table"
	ContentTypeDocumentation = "documentation"
	ContentTypeDefault       = "default"
)

// defaultPatternThreshold is the occurrence count a content pattern must
// exceed before a pattern rule matches.
const defaultPatternThreshold = 10

// ContentTypeProfile names a document kind and the chunking parameters to
// use for it. A profile matches either by file extension or by counting
// literal patterns in the content. A profile whose ChunkSize is zero defers
// to the global chunking parameters; otherwise its size fields apply as
// written.
type ContentTypeProfile struct {
	Name             string   `yaml:"name" json:"name"`
	ChunkSize        int      `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap     int      `yaml:"chunk_overlap" json:"chunk_overlap"`
	MinChunkSize     int      `yaml:"min_chunk_size" json:"min_chunk_size"`
	MaxChunkSize     int      `yaml:"max_chunk_size" json:"max_chunk_size"`
	Extensions       []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	ContentPatterns  []string `yaml:"content_patterns,omitempty" json:"content_patterns,omitempty"`
	PatternThreshold int      `yaml:"pattern_threshold,omitempty" json:"pattern_threshold,omitempty"`
}

func defaultProfiles() []ContentTypeProfile {
	return []ContentTypeProfile{
		{
			Name:         ContentTypeCode,
			ChunkSize:    800,
			ChunkOverlap: 100,
			MinChunkSize: 100,
			MaxChunkSize: 1600,
			Extensions:   []string{".go", ".py", ".js", ".ts", ".java", ".c", ".cpp", ".rs", ".sh"},
		},
		{
			Name:             ContentTypeTable,
			ChunkSize:        1000,
			ChunkOverlap:     0,
			MinChunkSize:     50,
			MaxChunkSize:     2000,
			Extensions:       []string{".csv", ".tsv"},
			ContentPatterns:  []string{"|", "\t"},
			PatternThreshold: defaultPatternThreshold,
		},
		{
			Name:         ContentTypeDocumentation,
			ChunkSize:    600,
			ChunkOverlap: 80,
			MinChunkSize: 50,
			MaxChunkSize: 1200,
			Extensions:   []string{".md", ".rst", ".adoc"},
		},
	}
}

// Classifier assigns a content type to a document by matching its source
// extension against each profile in priority order, then by scanning content
// for pattern rules. It is pure and safe for concurrent use.
type Classifier struct {
	profiles []ContentTypeProfile
}

// NewClassifier builds a classifier over the given profiles, in priority
// order. Nil or empty profiles fall back to the built-in set.
func NewClassifier(profiles []ContentTypeProfile) *Classifier {
	if len(profiles) == 0 {
		profiles = defaultProfiles()
	}
	normalized := make([]ContentTypeProfile, len(profiles))
	for i, p := range profiles {
		p.Extensions = NormalizeExtensions(p.Extensions)
		normalized[i] = p
	}
	return &Classifier{profiles: normalized}
}

// Classify returns the content type for doc. Extension matches always win
// over content-pattern matches; within each pass the first profile in
// priority order wins. Documents matching nothing are "default".
func (c *Classifier) Classify(doc *Document) string {
	if ext := strings.ToLower(filepath.Ext(doc.Meta.Source)); ext != "" {
		for _, p := range c.profiles {
			for _, e := range p.Extensions {
				if e == ext {
					return p.Name
				}
			}
		}
	}

	for _, p := range c.profiles {
		threshold := p.PatternThreshold
		if threshold <= 0 {
			threshold = defaultPatternThreshold
		}
		for _, pattern := range p.ContentPatterns {
			if strings.Count(doc.Content, pattern) > threshold {
				return p.Name
			}
		}
	}
	return ContentTypeDefault
}

// Profile returns the profile registered under name. The second return is
// false for unknown names, including "default", which has no explicit
// profile and uses the global chunking parameters.
func (c *Classifier) Profile(name string) (ContentTypeProfile, bool) {
	for _, p := range c.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return ContentTypeProfile{}, false
}
