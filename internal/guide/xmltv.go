package guide

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/snapetech/mcastguide/internal/catalog"
	"github.com/snapetech/mcastguide/internal/epgbin"
)

const xmltvTime = "20060102150405 -0700"

type xmlTVRoot struct {
	XMLName    xml.Name       `xml:"tv"`
	Source     string         `xml:"source-info-name,attr,omitempty"`
	Generator  string         `xml:"generator-info-name,attr,omitempty"`
	Channels   []xmlChannel   `xml:"channel"`
	Programmes []xmlProgramme `xml:"programme"`
}

type xmlChannel struct {
	ID      string     `xml:"id,attr"`
	Display []xmlValue `xml:"display-name"`
	Icon    *xmlIcon   `xml:"icon,omitempty"`
}

type xmlIcon struct {
	Src string `xml:"src,attr"`
}

type xmlProgramme struct {
	Start      string     `xml:"start,attr"`
	Stop       string     `xml:"stop,attr"`
	Channel    string     `xml:"channel,attr"`
	Title      xmlValue   `xml:"title"`
	SubTitle   *xmlValue  `xml:"sub-title,omitempty"`
	Date       string     `xml:"date,omitempty"`
	EpisodeNum *xmlEpNum  `xml:"episode-num,omitempty"`
	Rating     *xmlRating `xml:"rating,omitempty"`
}

type xmlValue struct {
	Lang  string `xml:"lang,attr,omitempty"`
	Value string `xml:",chardata"`
}

type xmlEpNum struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

type xmlRating struct {
	System string `xml:"system,attr,omitempty"`
	Value  string `xml:"value"`
}

// WriteXMLTV renders the lineup and guide as XMLTV. Channels are identified
// by dial number and take their programmes from the guide entry of their
// EPG service name.
func WriteXMLTV(w io.Writer, channels []catalog.Channel, g Guide) error {
	tv := &xmlTVRoot{Source: "multicast EPG", Generator: "mcast-guide"}
	for _, ch := range channels {
		id := strconv.Itoa(ch.Dial)
		c := xmlChannel{ID: id, Display: []xmlValue{{Value: ch.Name}}}
		if ch.ShortName != "" && ch.ShortName != ch.Name {
			c.Display = append(c.Display, xmlValue{Value: ch.ShortName})
		}
		c.Display = append(c.Display, xmlValue{Value: id})
		if ch.LogoURI != "" {
			c.Icon = &xmlIcon{Src: ch.LogoURI}
		}
		tv.Channels = append(tv.Channels, c)
		for _, p := range g[ch.EPGServiceName] {
			tv.Programmes = append(tv.Programmes, programme(id, p))
		}
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(tv); err != nil {
		return fmt.Errorf("xmltv: encode: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func programme(channel string, p epgbin.Program) xmlProgramme {
	x := xmlProgramme{
		Start:   p.StartTime().Format(xmltvTime),
		Stop:    p.EndTime().Format(xmltvTime),
		Channel: channel,
		Title:   xmlValue{Lang: "es", Value: p.Title},
	}
	if p.IsTVShow && p.ShowName != "" && p.ShowName != p.Title {
		x.SubTitle = &xmlValue{Lang: "es", Value: p.ShowName}
	}
	if p.Year > 0 {
		x.Date = strconv.Itoa(int(p.Year))
	}
	if p.IsTVShow && (p.Season > 0 || p.Episode > 0) {
		// xmltv_ns numbers are zero-based; an unknown part stays empty.
		var season, episode string
		if p.Season > 0 {
			season = strconv.Itoa(int(p.Season) - 1)
		}
		if p.Episode > 0 {
			episode = strconv.Itoa(int(p.Episode) - 1)
		}
		x.EpisodeNum = &xmlEpNum{System: "xmltv_ns", Value: season + "." + episode + "."}
	}
	if p.AgeRating > 0 {
		x.Rating = &xmlRating{System: "age", Value: strconv.Itoa(int(p.AgeRating))}
	}
	return x
}
