package xmltv

import (
	"encoding/xml"
	"io"

	"github.com/voyagen/epgvault/internal/models"
)

// Writer streams an XMLTV document. Channels must be written before
// programmes, as the DTD requires. Empty attributes are omitted and empty
// optional elements are left out, which parses back to the same values.
type Writer struct {
	enc       *xml.Encoder
	generator string
	open      bool
	err       error
}

// NewWriter returns a Writer that emits to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: xml.NewEncoder(w), generator: "epgvault"}
}

// Write emits a complete document: every channel element, then every
// channel's programmes.
func Write(w io.Writer, channels []*models.Channel) error {
	xw := NewWriter(w)
	for _, ch := range channels {
		if err := xw.WriteChannel(ch); err != nil {
			return err
		}
	}
	for _, ch := range channels {
		for i := range ch.Programmes {
			if err := xw.WriteProgramme(&ch.Programmes[i]); err != nil {
				return err
			}
		}
	}
	return xw.Close()
}

// WriteChannel emits one <channel> element.
func (w *Writer) WriteChannel(ch *models.Channel) error {
	w.begin()
	w.start("channel", "id", ch.XMLTVID)
	for _, dn := range ch.DisplayNames {
		w.langText("display-name", dn)
	}
	for _, ic := range ch.Icons {
		w.icon(ic)
	}
	for _, u := range ch.URLs {
		w.text("url", u.URL, "system", u.System)
	}
	w.end("channel")
	w.newline()
	return w.err
}

// WriteProgramme emits one <programme> element.
func (w *Writer) WriteProgramme(p *models.Programme) error {
	w.begin()
	clumpidx := p.ClumpIdx
	if clumpidx == models.DefaultClumpIdx {
		clumpidx = ""
	}
	w.start("programme",
		"start", p.Start,
		"stop", p.Stop,
		"pdc-start", p.PDCStart,
		"vps-start", p.VPSStart,
		"showview", p.Showview,
		"videoplus", p.Videoplus,
		"channel", p.Channel,
		"clumpidx", clumpidx,
	)
	for _, t := range p.Titles {
		w.langText("title", t)
	}
	for _, t := range p.SubTitles {
		w.langText("sub-title", t)
	}
	for _, t := range p.Descriptions {
		w.langText("desc", t)
	}
	if p.Credits != nil {
		w.credits(p.Credits)
	}
	if p.Date != "" {
		w.text("date", p.Date)
	}
	for _, t := range p.Categories {
		w.langText("category", t)
	}
	for _, t := range p.Keywords {
		w.langText("keyword", t)
	}
	if p.Language != nil {
		w.langText("language", *p.Language)
	}
	if p.OrigLanguage != nil {
		w.langText("orig-language", *p.OrigLanguage)
	}
	if p.Length != nil {
		w.text("length", p.Length.Value, "units", p.Length.Units)
	}
	for _, ic := range p.Icons {
		w.icon(ic)
	}
	for _, u := range p.URLs {
		w.text("url", u.URL, "system", u.System)
	}
	for _, t := range p.Countries {
		w.langText("country", t)
	}
	for _, e := range p.EpisodeNums {
		w.text("episode-num", e.Text, "system", e.System)
	}
	if p.Video != nil {
		w.start("video")
		w.optText("present", p.Video.Present)
		w.optText("colour", p.Video.Colour)
		w.optText("aspect", p.Video.Aspect)
		w.optText("quality", p.Video.Quality)
		w.end("video")
	}
	if p.Audio != nil {
		w.start("audio")
		w.optText("present", p.Audio.Present)
		w.optText("stereo", p.Audio.Stereo)
		w.end("audio")
	}
	if p.PreviouslyShown != nil {
		w.start("previously-shown", "start", p.PreviouslyShown.Start, "channel", p.PreviouslyShown.Channel)
		w.end("previously-shown")
	}
	if p.Premiere != nil {
		w.langText("premiere", *p.Premiere)
	}
	if p.LastChance != nil {
		w.langText("last-chance", *p.LastChance)
	}
	if p.New {
		w.start("new")
		w.end("new")
	}
	for _, st := range p.Subtitles {
		w.start("subtitles", "type", st.Type)
		if st.Language != nil {
			w.langText("language", *st.Language)
		}
		w.end("subtitles")
	}
	for _, r := range p.Ratings {
		w.rating("rating", r)
	}
	for _, r := range p.StarRatings {
		w.rating("star-rating", r)
	}
	for _, r := range p.Reviews {
		w.text("review", r.Text, "type", r.Type, "source", r.Source, "reviewer", r.Reviewer, "lang", r.Lang)
	}
	for _, im := range p.Images {
		w.image(im)
	}
	w.end("programme")
	w.newline()
	return w.err
}

// Close ends the document and flushes buffered output.
func (w *Writer) Close() error {
	w.begin()
	w.end("tv")
	w.newline()
	if w.err == nil {
		w.err = w.enc.Flush()
	}
	return w.err
}

func (w *Writer) begin() {
	if w.open || w.err != nil {
		return
	}
	w.open = true
	w.token(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)})
	w.newline()
	w.token(xml.Directive(`DOCTYPE tv SYSTEM "xmltv.dtd"`))
	w.newline()
	w.start("tv", "generator-info-name", w.generator)
	w.newline()
}

func (w *Writer) credits(c *models.Credits) {
	w.start("credits")
	for _, role := range []struct {
		name    string
		credits []models.Credit
	}{
		{"director", c.Directors},
		{"actor", c.Actors},
		{"writer", c.Writers},
		{"adapter", c.Adapters},
		{"producer", c.Producers},
		{"composer", c.Composers},
		{"editor", c.Editors},
		{"presenter", c.Presenters},
		{"commentator", c.Commentators},
		{"guest", c.Guests},
	} {
		for _, cr := range role.credits {
			guest := ""
			if cr.Guest {
				guest = "yes"
			}
			w.start(role.name, "role", cr.Role, "guest", guest)
			w.chars(cr.Name)
			for _, im := range cr.Images {
				w.image(im)
			}
			for _, u := range cr.URLs {
				w.text("url", u.URL, "system", u.System)
			}
			w.end(role.name)
		}
	}
	w.end("credits")
}

func (w *Writer) rating(name string, r models.Rating) {
	w.start(name, "system", r.System)
	w.text("value", r.Value)
	for _, ic := range r.Icons {
		w.icon(ic)
	}
	w.end(name)
}

func (w *Writer) icon(ic models.Icon) {
	w.start("icon", "src", ic.Src, "width", ic.Width, "height", ic.Height)
	w.end("icon")
}

func (w *Writer) image(im models.Image) {
	w.text("image", im.URL, "type", im.Type, "size", im.Size, "orient", im.Orient, "system", im.System)
}

func (w *Writer) langText(name string, t models.LangText) {
	w.text(name, t.Text, "lang", t.Lang)
}

func (w *Writer) optText(name, s string) {
	if s != "" {
		w.text(name, s)
	}
}

func (w *Writer) text(name, s string, attrs ...string) {
	w.start(name, attrs...)
	w.chars(s)
	w.end(name)
}

// start opens an element; attrs are name/value pairs and empty values are
// dropped.
func (w *Writer) start(name string, attrs ...string) {
	el := xml.StartElement{Name: xml.Name{Local: name}}
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i+1] == "" {
			continue
		}
		el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: attrs[i]}, Value: attrs[i+1]})
	}
	w.token(el)
}

func (w *Writer) end(name string) {
	w.token(xml.EndElement{Name: xml.Name{Local: name}})
}

func (w *Writer) chars(s string) {
	if s != "" {
		w.token(xml.CharData(s))
	}
}

func (w *Writer) newline() {
	w.token(xml.CharData("\n"))
}

func (w *Writer) token(t xml.Token) {
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeToken(t)
}
