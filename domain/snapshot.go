package domain

import "time"

// Snapshot is the read model served to a connecting viewer: every stage in
// order, each with its items in order and their freshness at GeneratedAt.
type Snapshot struct {
	Epoch       string      `json:"epoch"`
	Seq         int64       `json:"seq"`
	GeneratedAt time.Time   `json:"generatedAt"`
	Stages      []StageView `json:"stages"`
}

type StageView struct {
	Stage
	Items []ItemView `json:"items"`
}

type ItemView struct {
	Item
	Freshness Freshness `json:"freshness"`
}

// State drops the derived fields and returns the raw board.
func (s Snapshot) State() BoardState {
	out := BoardState{Stages: make([]StageItems, 0, len(s.Stages))}
	for _, sv := range s.Stages {
		items := make([]Item, 0, len(sv.Items))
		for _, iv := range sv.Items {
			items = append(items, iv.Item.Clone())
		}
		out.Stages = append(out.Stages, StageItems{Stage: sv.Stage, Items: items})
	}
	return out
}
