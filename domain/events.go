package domain

import "time"

// EventType names a broadcast mutation.
type EventType string

const (
	ItemMoved       EventType = "item-moved"
	ItemCreated     EventType = "item-created"
	ItemUpdated     EventType = "item-updated"
	ItemDeleted     EventType = "item-deleted"
	StageCreated    EventType = "stage-created"
	StageUpdated    EventType = "stage-updated"
	StageDeleted    EventType = "stage-deleted"
	StagesReordered EventType = "stages-reordered"
)

// Event is the envelope fanned out to every viewer after a mutation has been
// applied. Seq is assigned by the single writer and increases by one per
// event within an Epoch.
type Event struct {
	Epoch     string    `json:"epoch"`
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	ActorID   string    `json:"actorId,omitempty"`
	IntentID  string    `json:"intentId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Move          *MoveEvent     `json:"move,omitempty"`
	Item          *Item          `json:"item,omitempty"`
	Stage         *Stage         `json:"stage,omitempty"`
	StageOrder    []string       `json:"stageOrder,omitempty"`
	StageDeletion *StageDeletion `json:"stageDeletion,omitempty"`
}

// MoveEvent describes an applied move with enough detail for a viewer to
// replay it without re-fetching.
type MoveEvent struct {
	ItemID         string    `json:"itemId"`
	SourceStageID  string    `json:"sourceStageId"`
	SourcePosition int       `json:"sourcePosition"`
	TargetStageID  string    `json:"targetStageId"`
	Position       int       `json:"position"`
	Item           Item      `json:"item"`
	At             time.Time `json:"at"`
}

// StageDeletion lists the items that were appended to ReassignedTo, in order,
// before the stage was removed.
type StageDeletion struct {
	StageID      string   `json:"stageId"`
	ReassignedTo string   `json:"reassignedTo,omitempty"`
	Moved        []string `json:"moved,omitempty"`
}

// ItemID returns the item an event refers to, if any.
func (e Event) ItemID() string {
	switch {
	case e.Move != nil:
		return e.Move.ItemID
	case e.Item != nil:
		return e.Item.ID
	}
	return ""
}
