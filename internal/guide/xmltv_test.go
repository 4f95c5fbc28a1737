package guide

import (
	"bytes"
	"encoding/xml"
	"testing"

	"github.com/snapetech/mcastguide/internal/catalog"
	"github.com/snapetech/mcastguide/internal/epgbin"
)

func TestWriteXMLTV(t *testing.T) {
	channels := []catalog.Channel{
		{Dial: 1, ServiceName: 1, EPGServiceName: 1, Name: "La 1 HD", ShortName: "La1", LogoURI: "http://logos/1.jpg"},
		{Dial: 20, ServiceName: 4, EPGServiceName: 55, Name: "Cuatro HD"},
		{Dial: 21, ServiceName: 5, EPGServiceName: 55, Name: "Cuatro +1"},
	}
	g := Guide{
		1: {{ProgramID: 1, Start: 1700000000, End: 1700003600, Title: "Telediario", Year: 2023}},
		55: {{
			ProgramID: 2, Start: 1700000000, End: 1700001800, Title: "Episodio 3",
			IsTVShow: true, ShowName: "La serie", Season: 2, Episode: 3, AgeRating: 4,
		}},
		99: {{ProgramID: 3, Start: 1700000000, End: 1700000600, Title: "Orphan"}},
	}

	var buf bytes.Buffer
	if err := WriteXMLTV(&buf, channels, g); err != nil {
		t.Fatal(err)
	}

	var tv struct {
		Channels []struct {
			ID      string   `xml:"id,attr"`
			Display []string `xml:"display-name"`
			Icon    struct {
				Src string `xml:"src,attr"`
			} `xml:"icon"`
		} `xml:"channel"`
		Programmes []struct {
			Start    string `xml:"start,attr"`
			Stop     string `xml:"stop,attr"`
			Channel  string `xml:"channel,attr"`
			Title    string `xml:"title"`
			SubTitle string `xml:"sub-title"`
			Date     string `xml:"date"`
			EpNum    string `xml:"episode-num"`
			Rating   string `xml:"rating>value"`
		} `xml:"programme"`
	}
	if err := xml.Unmarshal(buf.Bytes(), &tv); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, buf.String())
	}

	if len(tv.Channels) != 3 || tv.Channels[0].ID != "1" || tv.Channels[0].Icon.Src != "http://logos/1.jpg" {
		t.Fatalf("channels = %+v", tv.Channels)
	}
	if d := tv.Channels[0].Display; len(d) != 3 || d[0] != "La 1 HD" || d[1] != "La1" || d[2] != "1" {
		t.Errorf("display names = %q", d)
	}
	// Both channels sharing EPG service 55 get its programme; service 99 has no channel.
	if len(tv.Programmes) != 3 {
		t.Fatalf("programmes = %+v", tv.Programmes)
	}
	first := tv.Programmes[0]
	if first.Start != "20231114221320 +0000" || first.Stop != "20231114231320 +0000" || first.Date != "2023" {
		t.Errorf("first = %+v", first)
	}
	show := tv.Programmes[1]
	if show.Channel != "20" || show.SubTitle != "La serie" || show.EpNum != "1.2." || show.Rating != "4" {
		t.Errorf("show = %+v", show)
	}
	if tv.Programmes[2].Channel != "21" {
		t.Errorf("third channel = %q", tv.Programmes[2].Channel)
	}
}

func TestProgramme_episodeNumPartial(t *testing.T) {
	p := programme("7", epgbin.Program{Title: "x", IsTVShow: true, Episode: 5, Start: 0, End: 60})
	if p.EpisodeNum == nil || p.EpisodeNum.Value != ".4." {
		t.Errorf("episode-num = %+v", p.EpisodeNum)
	}
	if p.SubTitle != nil {
		t.Error("sub-title without show name")
	}
}
