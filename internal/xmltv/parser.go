// Package xmltv provides streaming XMLTV parsing and writing.
//
// The parser walks the token stream of a <tv> document once. Each <channel>
// and <programme> child is decoded from its own tokens, handed to a callback
// and released, so memory is bounded by one element rather than the whole
// document. Text content and attributes default to "" when an element or
// attribute is present but empty or absent; the two cases are not told apart.
package xmltv

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/voyagen/epgvault/internal/models"
)

// ErrMalformedDocument is returned (wrapped) when the input is not
// well-formed XML or has no <tv> root element.
var ErrMalformedDocument = errors.New("xmltv: malformed document")

// Parser provides streaming XMLTV parsing with callback-based processing.
// The zero value skips every element; a Parser holds no state between calls
// and may be used concurrently on different documents.
type Parser struct {
	// OnChannel is called for each <channel> that carries an id.
	OnChannel func(channel *models.Channel) error

	// OnProgramme is called for each <programme> that carries both a
	// channel and a start attribute.
	OnProgramme func(programme *models.Programme) error
}

// Parse reads an XMLTV document from r. Compressed input (gzip, bzip2, xz)
// is detected and decompressed transparently.
func (p *Parser) Parse(r io.Reader) error {
	rd, err := Decompress(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	defer rd.Close()

	d := xml.NewDecoder(rd)
	d.CharsetReader = charset.NewReaderLabel
	dp := &docParser{d: d}

	rootSeen, rootOpen := false, false
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			if !rootSeen {
				if el.Name.Local != "tv" {
					return fmt.Errorf("%w: root element is <%s>, want <tv>", ErrMalformedDocument, el.Name.Local)
				}
				rootSeen, rootOpen = true, true
				continue
			}
			if !rootOpen {
				return fmt.Errorf("%w: <%s> after the root element", ErrMalformedDocument, el.Name.Local)
			}
			// Children are consumed whole, so the only end tag seen here is </tv>.
			if err := p.element(dp, el); err != nil {
				return err
			}
		case xml.EndElement:
			rootOpen = false
		}
	}
	if !rootSeen {
		return fmt.Errorf("%w: no <tv> root element", ErrMalformedDocument)
	}
	return nil
}

// element handles one direct child of <tv>, consuming it entirely.
func (p *Parser) element(dp *docParser, el xml.StartElement) error {
	switch el.Name.Local {
	case "channel":
		id := attr(el, "id")
		if id == "" || p.OnChannel == nil {
			return dp.skip()
		}
		ch, err := dp.channel(el, id)
		if err != nil {
			return err
		}
		if err := p.OnChannel(ch); err != nil {
			return fmt.Errorf("channel callback: %w", err)
		}
	case "programme":
		channel, start := attr(el, "channel"), attr(el, "start")
		if channel == "" || start == "" || p.OnProgramme == nil {
			return dp.skip()
		}
		prog, err := dp.programme(el, channel, start)
		if err != nil {
			return err
		}
		if err := p.OnProgramme(prog); err != nil {
			return fmt.Errorf("programme callback: %w", err)
		}
	default:
		return dp.skip()
	}
	return nil
}

// Parse parses a whole document and returns its channels in first-sighting
// order, each carrying its programmes in document order. A programme whose
// channel has not been declared gets a placeholder channel with no display
// metadata; a later <channel> element for that id fills the placeholder in.
func Parse(r io.Reader) ([]*models.Channel, error) {
	c := newCollector()
	p := &Parser{OnChannel: c.channel, OnProgramme: c.programme}
	if err := p.Parse(r); err != nil {
		return nil, err
	}
	return c.channels, nil
}

// ParseFile parses the XMLTV document stored at path.
func ParseFile(path string) ([]*models.Channel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// ParseString parses a small in-memory document.
func ParseString(content string) ([]*models.Channel, error) {
	return Parse(strings.NewReader(content))
}

type collector struct {
	index    map[string]int
	channels []*models.Channel
}

func newCollector() *collector {
	return &collector{index: make(map[string]int)}
}

func (c *collector) channel(ch *models.Channel) error {
	if i, ok := c.index[ch.XMLTVID]; ok {
		existing := c.channels[i]
		existing.DisplayNames = ch.DisplayNames
		existing.Icons = ch.Icons
		existing.URLs = ch.URLs
		return nil
	}
	c.index[ch.XMLTVID] = len(c.channels)
	c.channels = append(c.channels, ch)
	return nil
}

func (c *collector) programme(p *models.Programme) error {
	i, ok := c.index[p.Channel]
	if !ok {
		i = len(c.channels)
		c.index[p.Channel] = i
		c.channels = append(c.channels, &models.Channel{XMLTVID: p.Channel})
	}
	c.channels[i].Programmes = append(c.channels[i].Programmes, *p)
	return nil
}

// docParser decodes element subtrees from a shared token stream.
type docParser struct {
	d *xml.Decoder
}

func (dp *docParser) skip() error {
	if err := dp.d.Skip(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return nil
}

// walk consumes the current element up to its end tag. fn is called for
// every child start element and must consume that child; a nil fn skips
// children. The returned text is the character data before the first child.
func (dp *docParser) walk(fn func(xml.StartElement) error) (string, error) {
	var text strings.Builder
	sawChild := false
	for {
		tok, err := dp.d.Token()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			sawChild = true
			if fn == nil {
				if err := dp.skip(); err != nil {
					return "", err
				}
				continue
			}
			if err := fn(t); err != nil {
				return "", err
			}
		case xml.CharData:
			if !sawChild {
				text.Write(t)
			}
		case xml.EndElement:
			return text.String(), nil
		}
	}
}

// text returns the character data of the current element, skipping children.
func (dp *docParser) text() (string, error) {
	return dp.walk(nil)
}

func (dp *docParser) langText(el xml.StartElement) (models.LangText, error) {
	s, err := dp.text()
	return models.LangText{Text: s, Lang: attr(el, "lang")}, err
}

func (dp *docParser) icon(el xml.StartElement) (models.Icon, error) {
	return models.Icon{
		Src:    attr(el, "src"),
		Width:  attr(el, "width"),
		Height: attr(el, "height"),
	}, dp.skip()
}

func (dp *docParser) url(el xml.StartElement) (models.URL, error) {
	s, err := dp.text()
	return models.URL{URL: s, System: attr(el, "system")}, err
}

func (dp *docParser) image(el xml.StartElement) (models.Image, error) {
	s, err := dp.text()
	return models.Image{
		URL:    s,
		Type:   attr(el, "type"),
		Size:   attr(el, "size"),
		Orient: attr(el, "orient"),
		System: attr(el, "system"),
	}, err
}

func (dp *docParser) channel(el xml.StartElement, id string) (*models.Channel, error) {
	ch := &models.Channel{XMLTVID: id}
	_, err := dp.walk(func(c xml.StartElement) error {
		switch c.Name.Local {
		case "display-name":
			v, err := dp.langText(c)
			ch.DisplayNames = append(ch.DisplayNames, v)
			return err
		case "icon":
			v, err := dp.icon(c)
			ch.Icons = append(ch.Icons, v)
			return err
		case "url":
			v, err := dp.url(c)
			ch.URLs = append(ch.URLs, v)
			return err
		default:
			return dp.skip()
		}
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (dp *docParser) programme(el xml.StartElement, channel, start string) (*models.Programme, error) {
	p := &models.Programme{
		Channel:   channel,
		Start:     start,
		Stop:      attr(el, "stop"),
		PDCStart:  attr(el, "pdc-start"),
		VPSStart:  attr(el, "vps-start"),
		Showview:  attr(el, "showview"),
		Videoplus: attr(el, "videoplus"),
		ClumpIdx:  models.DefaultClumpIdx,
	}
	if v, ok := lookupAttr(el, "clumpidx"); ok {
		p.ClumpIdx = v
	}

	_, err := dp.walk(func(c xml.StartElement) error {
		switch c.Name.Local {
		case "title":
			return appendLangText(dp, c, &p.Titles)
		case "sub-title":
			return appendLangText(dp, c, &p.SubTitles)
		case "desc":
			return appendLangText(dp, c, &p.Descriptions)
		case "category":
			return appendLangText(dp, c, &p.Categories)
		case "keyword":
			return appendLangText(dp, c, &p.Keywords)
		case "country":
			return appendLangText(dp, c, &p.Countries)
		case "credits":
			credits, err := dp.credits()
			p.Credits = credits
			return err
		case "date":
			s, err := dp.text()
			p.Date = s
			return err
		case "language":
			v, err := dp.langText(c)
			p.Language = &v
			return err
		case "orig-language":
			v, err := dp.langText(c)
			p.OrigLanguage = &v
			return err
		case "length":
			s, err := dp.text()
			p.Length = &models.Length{Value: s, Units: attr(c, "units")}
			return err
		case "icon":
			v, err := dp.icon(c)
			p.Icons = append(p.Icons, v)
			return err
		case "url":
			v, err := dp.url(c)
			p.URLs = append(p.URLs, v)
			return err
		case "episode-num":
			s, err := dp.text()
			system := attr(c, "system")
			if system == "" {
				system = models.DefaultEpisodeNumSystem
			}
			p.EpisodeNums = append(p.EpisodeNums, models.EpisodeNum{Text: s, System: system})
			return err
		case "video":
			v, err := dp.video()
			p.Video = v
			return err
		case "audio":
			v, err := dp.audio()
			p.Audio = v
			return err
		case "previously-shown":
			p.PreviouslyShown = &models.PreviouslyShown{Start: attr(c, "start"), Channel: attr(c, "channel")}
			return dp.skip()
		case "premiere":
			v, err := dp.langText(c)
			p.Premiere = &v
			return err
		case "last-chance":
			v, err := dp.langText(c)
			p.LastChance = &v
			return err
		case "new":
			p.New = true
			return dp.skip()
		case "subtitles":
			v, err := dp.subtitle(c)
			p.Subtitles = append(p.Subtitles, v)
			return err
		case "rating":
			v, err := dp.rating(c)
			p.Ratings = append(p.Ratings, v)
			return err
		case "star-rating":
			v, err := dp.rating(c)
			p.StarRatings = append(p.StarRatings, v)
			return err
		case "review":
			s, err := dp.text()
			p.Reviews = append(p.Reviews, models.Review{
				Text:     s,
				Type:     attr(c, "type"),
				Source:   attr(c, "source"),
				Reviewer: attr(c, "reviewer"),
				Lang:     attr(c, "lang"),
			})
			return err
		case "image":
			v, err := dp.image(c)
			p.Images = append(p.Images, v)
			return err
		default:
			return dp.skip()
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func appendLangText(dp *docParser, el xml.StartElement, dst *[]models.LangText) error {
	v, err := dp.langText(el)
	*dst = append(*dst, v)
	return err
}

func (dp *docParser) credits() (*models.Credits, error) {
	cr := &models.Credits{}
	_, err := dp.walk(func(c xml.StartElement) error {
		var dst *[]models.Credit
		switch c.Name.Local {
		case "director":
			dst = &cr.Directors
		case "actor":
			dst = &cr.Actors
		case "writer":
			dst = &cr.Writers
		case "adapter":
			dst = &cr.Adapters
		case "producer":
			dst = &cr.Producers
		case "composer":
			dst = &cr.Composers
		case "editor":
			dst = &cr.Editors
		case "presenter":
			dst = &cr.Presenters
		case "commentator":
			dst = &cr.Commentators
		case "guest":
			dst = &cr.Guests
		default:
			return dp.skip()
		}
		credit := models.Credit{}
		if c.Name.Local == "actor" {
			credit.Role = attr(c, "role")
			credit.Guest = attr(c, "guest") == "yes"
		}
		name, err := dp.walk(func(cc xml.StartElement) error {
			switch cc.Name.Local {
			case "image":
				v, err := dp.image(cc)
				credit.Images = append(credit.Images, v)
				return err
			case "url":
				v, err := dp.url(cc)
				credit.URLs = append(credit.URLs, v)
				return err
			default:
				return dp.skip()
			}
		})
		credit.Name = name
		*dst = append(*dst, credit)
		return err
	})
	return cr, err
}

func (dp *docParser) video() (*models.Video, error) {
	v := &models.Video{}
	_, err := dp.walk(func(c xml.StartElement) error {
		s, err := dp.text()
		switch c.Name.Local {
		case "present":
			v.Present = s
		case "colour":
			v.Colour = s
		case "aspect":
			v.Aspect = s
		case "quality":
			v.Quality = s
		}
		return err
	})
	return v, err
}

func (dp *docParser) audio() (*models.Audio, error) {
	a := &models.Audio{}
	_, err := dp.walk(func(c xml.StartElement) error {
		s, err := dp.text()
		switch c.Name.Local {
		case "present":
			a.Present = s
		case "stereo":
			a.Stereo = s
		}
		return err
	})
	return a, err
}

func (dp *docParser) subtitle(el xml.StartElement) (models.Subtitle, error) {
	st := models.Subtitle{Type: attr(el, "type")}
	_, err := dp.walk(func(c xml.StartElement) error {
		if c.Name.Local != "language" {
			return dp.skip()
		}
		v, err := dp.langText(c)
		st.Language = &v
		return err
	})
	return st, err
}

func (dp *docParser) rating(el xml.StartElement) (models.Rating, error) {
	r := models.Rating{System: attr(el, "system")}
	_, err := dp.walk(func(c xml.StartElement) error {
		switch c.Name.Local {
		case "value":
			s, err := dp.text()
			r.Value = s
			return err
		case "icon":
			v, err := dp.icon(c)
			r.Icons = append(r.Icons, v)
			return err
		default:
			return dp.skip()
		}
	})
	return r, err
}

// attr returns the value of the named attribute, or "" when absent.
func attr(el xml.StartElement, name string) string {
	v, _ := lookupAttr(el, name)
	return v
}

func lookupAttr(el xml.StartElement, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}
