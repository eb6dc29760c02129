package domain

import (
	"time"
)

// Duration is a time.Duration that travels as a Go duration string ("24h0m0s")
// on the wire and in seed files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Stage is an ordered column of the pipeline board.
type Stage struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Color     string   `json:"color,omitempty"`
	Position  int      `json:"position"`
	Threshold Duration `json:"freshnessThreshold"`
}

// Item is a single lead placed on the board.
type Item struct {
	ID           string     `json:"id"`
	StageID      string     `json:"stageId"`
	Position     int        `json:"position"`
	LastActivity time.Time  `json:"lastActivity"`
	CreatedAt    time.Time  `json:"createdAt"`
	Attributes   Attributes `json:"attributes"`
}

// Clone returns a copy that shares no mutable state with i.
func (i Item) Clone() Item {
	i.Attributes = i.Attributes.Clone()
	return i
}

// Attributes are descriptive lead fields. The board never interprets them.
type Attributes struct {
	Name      string            `json:"name"`
	Contact   string            `json:"contact,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Email     string            `json:"email,omitempty"`
	Value     int64             `json:"value,omitempty"`
	Important bool              `json:"important,omitempty"`
	Source    string            `json:"source,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (a Attributes) Clone() Attributes {
	if a.Extra != nil {
		extra := make(map[string]string, len(a.Extra))
		for k, v := range a.Extra {
			extra[k] = v
		}
		a.Extra = extra
	}
	return a
}

// AttributesPatch carries optional attribute changes; nil fields are left untouched.
type AttributesPatch struct {
	Name      *string           `json:"name,omitempty"`
	Contact   *string           `json:"contact,omitempty"`
	Phone     *string           `json:"phone,omitempty"`
	Email     *string           `json:"email,omitempty"`
	Value     *int64            `json:"value,omitempty"`
	Important *bool             `json:"important,omitempty"`
	Source    *string           `json:"source,omitempty"`
	Notes     *string           `json:"notes,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p AttributesPatch) Empty() bool {
	return p.Name == nil && p.Contact == nil && p.Phone == nil && p.Email == nil &&
		p.Value == nil && p.Important == nil && p.Source == nil && p.Notes == nil && len(p.Extra) == 0
}

// ApplyTo returns a with the patch merged in. Extra keys with an empty value are removed.
func (p AttributesPatch) ApplyTo(a Attributes) Attributes {
	a = a.Clone()
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Contact != nil {
		a.Contact = *p.Contact
	}
	if p.Phone != nil {
		a.Phone = *p.Phone
	}
	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.Value != nil {
		a.Value = *p.Value
	}
	if p.Important != nil {
		a.Important = *p.Important
	}
	if p.Source != nil {
		a.Source = *p.Source
	}
	if p.Notes != nil {
		a.Notes = *p.Notes
	}
	for k, v := range p.Extra {
		if v == "" {
			delete(a.Extra, k)
			continue
		}
		if a.Extra == nil {
			a.Extra = map[string]string{}
		}
		a.Extra[k] = v
	}
	return a
}

// StageItems pairs a stage with its items in board order.
type StageItems struct {
	Stage
	Items []Item `json:"items"`
}

// BoardState is the raw ordered board as loaded from and persisted to storage.
type BoardState struct {
	Stages []StageItems `json:"stages"`
}

// ItemCount returns the number of items across all stages.
func (b BoardState) ItemCount() int {
	n := 0
	for _, s := range b.Stages {
		n += len(s.Items)
	}
	return n
}
