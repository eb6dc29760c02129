package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pipeline-board/domain"
)

type seedFile struct {
	Stages []seedStage `yaml:"stages"`
}

type seedStage struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Color     string `yaml:"color"`
	Threshold string `yaml:"freshness_threshold"`
}

// LoadSeed reads the stages an empty board starts with:
//
//	stages:
//	  - title: Lead
//	    color: "#60a5fa"
//	    freshness_threshold: 48h
func LoadSeed(path string) ([]domain.StageDraft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage seed: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) ([]domain.StageDraft, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stage seed: %w", err)
	}
	seen := make(map[string]bool, len(f.Stages))
	drafts := make([]domain.StageDraft, 0, len(f.Stages))
	for i, s := range f.Stages {
		d := domain.StageDraft{ID: strings.TrimSpace(s.ID), Title: s.Title, Color: s.Color}
		if s.Threshold != "" {
			t, err := time.ParseDuration(s.Threshold)
			if err != nil {
				return nil, fmt.Errorf("stage seed %d: freshness_threshold: %w", i, err)
			}
			td := domain.Duration(t)
			d.Threshold = &td
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("stage seed %d: %w", i, err)
		}
		if d.ID != "" {
			if seen[d.ID] {
				return nil, fmt.Errorf("stage seed %d: duplicate id %q", i, d.ID)
			}
			seen[d.ID] = true
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

// DefaultSeed is the pipeline an unconfigured board starts with.
func DefaultSeed() []domain.StageDraft {
	titles := []string{"Lead", "Contacted", "Proposal", "Negotiation", "Won", "Lost"}
	drafts := make([]domain.StageDraft, len(titles))
	for i, title := range titles {
		drafts[i] = domain.StageDraft{ID: strings.ToLower(title), Title: title}
	}
	return drafts
}
