package models

import "strings"

type TagStatus string

const (
	TagStatusActivated TagStatus = "Activated"
	TagStatusBlocked   TagStatus = "Blocked"
)

// Tag represents an RFID tag/card used to authorize charging sessions.
// Tags sharing a parent id tag form a group; any member may stop a session
// started by another member.
type Tag struct {
	IdTag       string    `json:"id_tag"`
	UserName    string    `json:"user_name"`
	ParentIdTag string    `json:"parent_id_tag,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      TagStatus `json:"status"`
	Priority    *int      `json:"priority,omitempty"`
}

func NormalizeIdTag(idTag string) string {
	return strings.ToUpper(idTag)
}

func (t *Tag) IsActivated() bool {
	return t.Status == TagStatusActivated
}
