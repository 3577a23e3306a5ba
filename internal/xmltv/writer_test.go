package xmltv_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/xmltv"
)

func TestWriteDocumentShape(t *testing.T) {
	channels, err := xmltv.ParseString(scenarioDoc)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := xmltv.Write(&buf, channels); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<!DOCTYPE tv SYSTEM "xmltv.dtd">`,
		`<tv generator-info-name="epgvault">`,
		`<channel id="bbc1"><display-name lang="en">BBC One</display-name></channel>`,
		`<programme start="20240101120000 +0000" stop="20240101130000 +0000" channel="bbc1"><title>News</title></programme>`,
		`</tv>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "clumpidx") {
		t.Errorf("default clumpidx should not be written:\n%s", out)
	}
	if strings.Index(out, "<channel") > strings.Index(out, "<programme") {
		t.Errorf("channels must precede programmes:\n%s", out)
	}
}

func TestWriteEscapesText(t *testing.T) {
	channels := []*models.Channel{{
		XMLTVID:      "a&b",
		DisplayNames: []models.LangText{{Text: `Tom & Jerry <"live">`}},
	}}
	var buf bytes.Buffer
	if err := xmltv.Write(&buf, channels); err != nil {
		t.Fatal(err)
	}
	got, err := xmltv.Parse(&buf)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if got[0].XMLTVID != "a&b" || got[0].DisplayName() != `Tom & Jerry <"live">` {
		t.Errorf("escaping lost data: %+v", got[0])
	}
}

func TestWriterEmptyDocument(t *testing.T) {
	var buf bytes.Buffer
	if err := xmltv.NewWriter(&buf).Close(); err != nil {
		t.Fatal(err)
	}
	channels, err := xmltv.Parse(&buf)
	if err != nil {
		t.Fatalf("empty document should parse: %v", err)
	}
	if len(channels) != 0 {
		t.Errorf("expected 0 channels, got %d", len(channels))
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriterStickyError(t *testing.T) {
	w := xmltv.NewWriter(failingWriter{})
	ch := &models.Channel{XMLTVID: "x"}
	// The encoder buffers, so the failure may surface on any later call.
	err1 := w.WriteChannel(ch)
	err2 := w.Close()
	if err1 == nil && err2 == nil {
		t.Fatal("expected an error from a failing destination")
	}
	if err := w.WriteChannel(ch); err == nil {
		t.Error("writer should keep returning its first error")
	}
}
