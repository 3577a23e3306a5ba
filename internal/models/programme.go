package models

import "time"

// DefaultClumpIdx is the XMLTV default for the clumpidx attribute.
const DefaultClumpIdx = "0/1"

// DefaultEpisodeNumSystem is used when <episode-num> has no system attribute.
const DefaultEpisodeNumSystem = "onscreen"

// Programme is one XMLTV <programme>. Start and Stop are kept verbatim in
// XMLTV form (YYYYMMDDHHMMSS ±HHMM) and compared as strings; an empty Stop
// means the attribute was absent.
type Programme struct {
	ID        int64  `json:"id,omitempty"`
	ChannelID int64  `json:"channel_id,omitempty"`
	Channel   string `json:"channel"`
	Start     string `json:"start"`
	Stop      string `json:"stop,omitempty"`
	PDCStart  string `json:"pdc_start,omitempty"`
	VPSStart  string `json:"vps_start,omitempty"`
	Showview  string `json:"showview,omitempty"`
	Videoplus string `json:"videoplus,omitempty"`
	ClumpIdx  string `json:"clumpidx"`

	Titles          []LangText       `json:"titles"`
	SubTitles       []LangText       `json:"sub_titles"`
	Descriptions    []LangText       `json:"descriptions"`
	Credits         *Credits         `json:"credits,omitempty"`
	Date            string           `json:"date,omitempty"`
	Categories      []LangText       `json:"categories"`
	Keywords        []LangText       `json:"keywords"`
	Language        *LangText        `json:"language,omitempty"`
	OrigLanguage    *LangText        `json:"orig_language,omitempty"`
	Length          *Length          `json:"length,omitempty"`
	Icons           []Icon           `json:"icons"`
	URLs            []URL            `json:"urls"`
	Countries       []LangText       `json:"countries"`
	EpisodeNums     []EpisodeNum     `json:"episode_nums"`
	Video           *Video           `json:"video,omitempty"`
	Audio           *Audio           `json:"audio,omitempty"`
	PreviouslyShown *PreviouslyShown `json:"previously_shown,omitempty"`
	Premiere        *LangText        `json:"premiere,omitempty"`
	LastChance      *LangText        `json:"last_chance,omitempty"`
	New             bool             `json:"new"`
	Subtitles       []Subtitle       `json:"subtitles"`
	Ratings         []Rating         `json:"ratings"`
	StarRatings     []Rating         `json:"star_ratings"`
	Reviews         []Review         `json:"reviews"`
	Images          []Image          `json:"images"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Title returns the first title's text, or "".
func (p *Programme) Title() string {
	if len(p.Titles) > 0 {
		return p.Titles[0].Text
	}
	return ""
}

// Description returns the first description's text, or "".
func (p *Programme) Description() string {
	if len(p.Descriptions) > 0 {
		return p.Descriptions[0].Text
	}
	return ""
}

// Credits groups credited people by role, each list in document order.
type Credits struct {
	Directors    []Credit `json:"director"`
	Actors       []Credit `json:"actor"`
	Writers      []Credit `json:"writer"`
	Adapters     []Credit `json:"adapter"`
	Producers    []Credit `json:"producer"`
	Composers    []Credit `json:"composer"`
	Editors      []Credit `json:"editor"`
	Presenters   []Credit `json:"presenter"`
	Commentators []Credit `json:"commentator"`
	Guests       []Credit `json:"guest"`
}

// Credit is one person in <credits>. Role and Guest are only set for actors.
type Credit struct {
	Name   string  `json:"name"`
	Role   string  `json:"role,omitempty"`
	Guest  bool    `json:"guest,omitempty"`
	Images []Image `json:"images"`
	URLs   []URL   `json:"urls"`
}

// Length is <length units="...">.
type Length struct {
	Value string `json:"text"`
	Units string `json:"units"`
}

// EpisodeNum is <episode-num system="...">.
type EpisodeNum struct {
	Text   string `json:"text"`
	System string `json:"system"`
}

// Video holds the children of <video>.
type Video struct {
	Present string `json:"present,omitempty"`
	Colour  string `json:"colour,omitempty"`
	Aspect  string `json:"aspect,omitempty"`
	Quality string `json:"quality,omitempty"`
}

// Audio holds the children of <audio>.
type Audio struct {
	Present string `json:"present,omitempty"`
	Stereo  string `json:"stereo,omitempty"`
}

// PreviouslyShown is <previously-shown start channel>.
type PreviouslyShown struct {
	Start   string `json:"start"`
	Channel string `json:"channel"`
}

// Subtitle is <subtitles type> with an optional nested <language>.
type Subtitle struct {
	Type     string    `json:"type"`
	Language *LangText `json:"language,omitempty"`
}

// Rating is used for both <rating> and <star-rating>.
type Rating struct {
	System string `json:"system"`
	Value  string `json:"value"`
	Icons  []Icon `json:"icons"`
}

// Review is <review type source reviewer lang>.
type Review struct {
	Text     string `json:"text"`
	Type     string `json:"type"`
	Source   string `json:"source"`
	Reviewer string `json:"reviewer"`
	Lang     string `json:"lang"`
}
