package domain

import (
	"fmt"
	"strings"
	"time"
)

// MoveIntent is a viewer's request to relocate an item. It is never persisted.
type MoveIntent struct {
	IntentID       string `json:"intentId,omitempty"`
	ActorID        string `json:"actorId,omitempty"`
	ItemID         string `json:"itemId"`
	TargetStageID  string `json:"targetStageId"`
	TargetPosition int    `json:"targetPosition"`
}

// Validate checks the intent shape. Existence is checked by the store.
func (m MoveIntent) Validate() error {
	if strings.TrimSpace(m.ItemID) == "" {
		return fmt.Errorf("%w: itemId is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(m.TargetStageID) == "" {
		return fmt.Errorf("%w: targetStageId is required", ErrInvalidArgument)
	}
	if m.TargetPosition < 0 {
		return fmt.Errorf("%w: targetPosition must not be negative, got %d", ErrInvalidArgument, m.TargetPosition)
	}
	return nil
}

// StageDraft describes a stage to create. Position nil appends.
type StageDraft struct {
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title"`
	Color     string    `json:"color,omitempty"`
	Position  *int      `json:"position,omitempty"`
	Threshold *Duration `json:"freshnessThreshold,omitempty"`
}

func (d StageDraft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: stage title is required", ErrInvalidArgument)
	}
	if d.Position != nil && *d.Position < 0 {
		return fmt.Errorf("%w: stage position must not be negative", ErrInvalidArgument)
	}
	if d.Threshold != nil && *d.Threshold < 0 {
		return fmt.Errorf("%w: freshness threshold must not be negative", ErrInvalidArgument)
	}
	return nil
}

// StagePatch carries optional stage changes.
type StagePatch struct {
	Title     *string   `json:"title,omitempty"`
	Color     *string   `json:"color,omitempty"`
	Threshold *Duration `json:"freshnessThreshold,omitempty"`
}

func (p StagePatch) Validate() error {
	if p.Title == nil && p.Color == nil && p.Threshold == nil {
		return fmt.Errorf("%w: stage update has no fields", ErrInvalidArgument)
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return fmt.Errorf("%w: stage title must not be empty", ErrInvalidArgument)
	}
	if p.Threshold != nil && *p.Threshold < 0 {
		return fmt.Errorf("%w: freshness threshold must not be negative", ErrInvalidArgument)
	}
	return nil
}

// ItemDraft describes a lead to create. Position nil appends to the stage.
// A zero LastActivity means "now".
type ItemDraft struct {
	ID           string     `json:"id,omitempty"`
	StageID      string     `json:"stageId"`
	Position     *int       `json:"position,omitempty"`
	LastActivity time.Time  `json:"lastActivity,omitempty"`
	Attributes   Attributes `json:"attributes"`
}

func (d ItemDraft) Validate() error {
	if strings.TrimSpace(d.StageID) == "" {
		return fmt.Errorf("%w: stageId is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(d.Attributes.Name) == "" {
		return fmt.Errorf("%w: item name is required", ErrInvalidArgument)
	}
	if d.Position != nil && *d.Position < 0 {
		return fmt.Errorf("%w: item position must not be negative", ErrInvalidArgument)
	}
	return nil
}

// ItemPatch updates item attributes. Touch also records activity.
type ItemPatch struct {
	Attributes AttributesPatch `json:"attributes"`
	Touch      bool            `json:"touch,omitempty"`
}

func (p ItemPatch) Validate() error {
	if p.Attributes.Empty() && !p.Touch {
		return fmt.Errorf("%w: item update has no fields", ErrInvalidArgument)
	}
	if p.Attributes.Name != nil && strings.TrimSpace(*p.Attributes.Name) == "" {
		return fmt.Errorf("%w: item name must not be empty", ErrInvalidArgument)
	}
	return nil
}
