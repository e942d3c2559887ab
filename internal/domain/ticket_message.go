package domain

import (
	"encoding/json"
	"time"
)

// Comment captures a note in a ticket thread.
type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedBy UserRef   `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnmarshalJSON accepts the "_id" alias.
func (c *Comment) UnmarshalJSON(data []byte) error {
	type plain Comment
	var raw struct {
		plain
		AltID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Comment(raw.plain)
	if c.ID == "" {
		c.ID = raw.AltID
	}
	return nil
}

// Attachment stores metadata for a file attached to a ticket.
type Attachment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Type       string    `json:"type"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// UnmarshalJSON accepts the "_id" alias.
func (a *Attachment) UnmarshalJSON(data []byte) error {
	type plain Attachment
	var raw struct {
		plain
		AltID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Attachment(raw.plain)
	if a.ID == "" {
		a.ID = raw.AltID
	}
	return nil
}
