package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voyagen/epgvault/internal/models"
)

const channelColumns = `id, account_id, server_id, xmltv_id, display_names, icons, urls, created_at, updated_at`

const programmeColumns = `id, channel_id, start_time, stop_time, pdc_start, vps_start, showview, videoplus,
	clumpidx, air_date, is_new, details, created_at`

// programmeInsertColumns lists the columns written by InsertProgrammes, in
// the order returned by programmeValues.
var programmeInsertColumns = []string{
	"channel_id", "start_time", "stop_time", "pdc_start", "vps_start", "showview", "videoplus",
	"clumpidx", "air_date", "is_new", "details",
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// timestamp scans a TIMESTAMPTZ (Postgres) or unix-seconds INTEGER (SQLite).
type timestamp struct {
	t *time.Time
}

func (ts *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		ts.t = nil
	case time.Time:
		t := v.UTC()
		ts.t = &t
	case int64:
		t := time.Unix(v, 0).UTC()
		ts.t = &t
	default:
		return fmt.Errorf("timestamp: unsupported type %T", src)
	}
	return nil
}

// programmeDetails holds the structured programme fields stored in the
// details JSON column.
type programmeDetails struct {
	Titles          []models.LangText       `json:"titles,omitempty"`
	SubTitles       []models.LangText       `json:"sub_titles,omitempty"`
	Descriptions    []models.LangText       `json:"descriptions,omitempty"`
	Credits         *models.Credits         `json:"credits,omitempty"`
	Categories      []models.LangText       `json:"categories,omitempty"`
	Keywords        []models.LangText       `json:"keywords,omitempty"`
	Language        *models.LangText        `json:"language,omitempty"`
	OrigLanguage    *models.LangText        `json:"orig_language,omitempty"`
	Length          *models.Length          `json:"length,omitempty"`
	Icons           []models.Icon           `json:"icons,omitempty"`
	URLs            []models.URL            `json:"urls,omitempty"`
	Countries       []models.LangText       `json:"countries,omitempty"`
	EpisodeNums     []models.EpisodeNum     `json:"episode_nums,omitempty"`
	Video           *models.Video           `json:"video,omitempty"`
	Audio           *models.Audio           `json:"audio,omitempty"`
	PreviouslyShown *models.PreviouslyShown `json:"previously_shown,omitempty"`
	Premiere        *models.LangText        `json:"premiere,omitempty"`
	LastChance      *models.LangText        `json:"last_chance,omitempty"`
	Subtitles       []models.Subtitle       `json:"subtitles,omitempty"`
	Ratings         []models.Rating         `json:"ratings,omitempty"`
	StarRatings     []models.Rating         `json:"star_ratings,omitempty"`
	Reviews         []models.Review         `json:"reviews,omitempty"`
	Images          []models.Image          `json:"images,omitempty"`
}

func detailsOf(p *models.Programme) programmeDetails {
	return programmeDetails{
		Titles: p.Titles, SubTitles: p.SubTitles, Descriptions: p.Descriptions,
		Credits: p.Credits, Categories: p.Categories, Keywords: p.Keywords,
		Language: p.Language, OrigLanguage: p.OrigLanguage, Length: p.Length,
		Icons: p.Icons, URLs: p.URLs, Countries: p.Countries, EpisodeNums: p.EpisodeNums,
		Video: p.Video, Audio: p.Audio, PreviouslyShown: p.PreviouslyShown,
		Premiere: p.Premiere, LastChance: p.LastChance, Subtitles: p.Subtitles,
		Ratings: p.Ratings, StarRatings: p.StarRatings, Reviews: p.Reviews, Images: p.Images,
	}
}

func (d programmeDetails) apply(p *models.Programme) {
	p.Titles, p.SubTitles, p.Descriptions = d.Titles, d.SubTitles, d.Descriptions
	p.Credits, p.Categories, p.Keywords = d.Credits, d.Categories, d.Keywords
	p.Language, p.OrigLanguage, p.Length = d.Language, d.OrigLanguage, d.Length
	p.Icons, p.URLs, p.Countries, p.EpisodeNums = d.Icons, d.URLs, d.Countries, d.EpisodeNums
	p.Video, p.Audio, p.PreviouslyShown = d.Video, d.Audio, d.PreviouslyShown
	p.Premiere, p.LastChance, p.Subtitles = d.Premiere, d.LastChance, d.Subtitles
	p.Ratings, p.StarRatings, p.Reviews, p.Images = d.Ratings, d.StarRatings, d.Reviews, d.Images
}

// programmeValues returns the insert arguments for p, matching
// programmeInsertColumns.
func programmeValues(p *models.Programme) ([]any, error) {
	details, err := json.Marshal(detailsOf(p))
	if err != nil {
		return nil, fmt.Errorf("marshal programme details: %w", err)
	}
	return []any{
		p.ChannelID, p.Start, p.Stop, p.PDCStart, p.VPSStart, p.Showview, p.Videoplus,
		p.ClumpIdx, p.Date, p.New, string(details),
	}, nil
}

func scanProgramme(row rowScanner) (*models.Programme, error) {
	var p models.Programme
	var details string
	var created timestamp
	err := row.Scan(&p.ID, &p.ChannelID, &p.Start, &p.Stop, &p.PDCStart, &p.VPSStart,
		&p.Showview, &p.Videoplus, &p.ClumpIdx, &p.Date, &p.New, &details, &created)
	if err != nil {
		return nil, err
	}
	var d programmeDetails
	if err := json.Unmarshal([]byte(details), &d); err != nil {
		return nil, fmt.Errorf("unmarshal programme %d details: %w", p.ID, err)
	}
	d.apply(&p)
	p.CreatedAt = created.t
	return &p, nil
}

// channelValues returns the JSON-encoded display names, icons and urls.
func channelValues(ch *models.Channel) (names, icons, urls string, err error) {
	if names, err = encodeList(ch.DisplayNames); err != nil {
		return
	}
	if icons, err = encodeList(ch.Icons); err != nil {
		return
	}
	urls, err = encodeList(ch.URLs)
	return
}

func scanChannel(row rowScanner) (*models.Channel, error) {
	var ch models.Channel
	var names, icons, urls string
	var created, updated timestamp
	err := row.Scan(&ch.ID, &ch.AccountID, &ch.ServerID, &ch.XMLTVID, &names, &icons, &urls, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := decodeList(names, &ch.DisplayNames); err != nil {
		return nil, fmt.Errorf("channel %d display names: %w", ch.ID, err)
	}
	if err := decodeList(icons, &ch.Icons); err != nil {
		return nil, fmt.Errorf("channel %d icons: %w", ch.ID, err)
	}
	if err := decodeList(urls, &ch.URLs); err != nil {
		return nil, fmt.Errorf("channel %d urls: %w", ch.ID, err)
	}
	ch.CreatedAt, ch.UpdatedAt = created.t, updated.t
	return &ch, nil
}

func encodeList[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// decodeList leaves dst nil for an empty list so stored and parsed channels
// compare equal.
func decodeList[T any](s string, dst *[]T) error {
	if s == "" || s == "[]" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

// chunk splits ids into slices of at most size elements.
func chunk[T any](ids []T, size int) [][]T {
	var out [][]T
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
