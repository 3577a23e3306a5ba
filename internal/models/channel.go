package models

import "time"

// Channel is one XMLTV <channel>, scoped to the account and provider server
// that published it. XMLTVID is the provider-assigned id and the merge key.
type Channel struct {
	ID           int64       `json:"id,omitempty"`
	AccountID    string      `json:"account_id,omitempty"`
	ServerID     int64       `json:"server_id,omitempty"`
	XMLTVID      string      `json:"xmltv_id"`
	DisplayNames []LangText  `json:"display_names"`
	Icons        []Icon      `json:"icons"`
	URLs         []URL       `json:"urls"`
	CreatedAt    *time.Time  `json:"created_at,omitempty"`
	UpdatedAt    *time.Time  `json:"updated_at,omitempty"`
	Programmes   []Programme `json:"programmes,omitempty"` // populated by the parser only
}

// DisplayName returns the first display name, or the XMLTV id for
// placeholder channels that never got one.
func (c *Channel) DisplayName() string {
	if len(c.DisplayNames) > 0 {
		return c.DisplayNames[0].Text
	}
	return c.XMLTVID
}

// LangText is text with an optional language code (title, desc, category...).
type LangText struct {
	Text string `json:"text"`
	Lang string `json:"lang"`
}

// Icon is an <icon src width height> reference.
type Icon struct {
	Src    string `json:"src"`
	Width  string `json:"width"`
	Height string `json:"height"`
}

// URL is a <url system> element.
type URL struct {
	URL    string `json:"url"`
	System string `json:"system"`
}

// Image is an <image> element (programmes and credits).
type Image struct {
	URL    string `json:"url"`
	Type   string `json:"type"`
	Size   string `json:"size"`
	Orient string `json:"orient"`
	System string `json:"system"`
}
