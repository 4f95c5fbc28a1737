// Package epgbin decodes the broadcaster's binary EPG files: one file per
// service and day, carrying a short header followed by variable-length
// program records.
package epgbin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/mcastguide/internal/metrics"
)

// ── layout ───────────────────────────────────────────────────────────────────

/*
 * File header:
 *
 * uint16    [3..4]   header service name
 * uint8     [5]      service version
 * uint8     [6]      URL length L
 * char[L]   [7..]    service URL, "<epg service id>.<domain>"
 *
 * Record, relative to its first byte:
 *
 * int32     [0]      program id
 * int32     [4]      start, unix seconds
 * uint16    [8]      duration, seconds
 * uint8     [20]     genre
 * uint8     [24]     age rating
 * uint8     [31]     title length T
 * char[T]   [32]     title, XOR CipherKey
 *
 * Show block at o = 32+T:
 *
 * uint8     [o]      0xF1 when the program is an episode of a show
 * uint16    [o+5]    show id
 * uint8     [o+8]    episode
 * uint16    [o+9]    year
 * uint8     [o+11]   season
 * uint8     [o+12]   show name length N
 * char[N]   [o+13]   show name, XOR CipherKey
 *
 * Records are separated by a marker; the bytes between the show name and the
 * marker are not decoded.
 */

const (
	// DefaultDomainMarker must appear in the service URL of a genuine EPG file.
	DefaultDomainMarker = ".imagenio.es"

	// TrailerLen is the size of the undecoded tail that follows the show name
	// in every record. The next record starts right after it unless a
	// Delimiter is configured.
	TrailerLen = 18

	headerLen    = 7
	recordHdrLen = 32
	showHdrLen   = 13
	showMarker   = 0xF1
	maxYear      = 9999
)

var (
	// ErrNotEPG is returned for files that are not this broadcaster's EPG.
	ErrNotEPG = errors.New("not an EPG file")

	errTruncated = errors.New("record truncated")
	errInvalid   = errors.New("record fails sanity bounds")
)

// ── public types ─────────────────────────────────────────────────────────────

// Program is one decoded EPG record.
type Program struct {
	ProgramID int32  `json:"programId"`
	Start     int64  `json:"start"` // unix seconds
	End       int64  `json:"end"`
	Genre     uint8  `json:"genre"`
	AgeRating uint8  `json:"ageRating"`
	Title     string `json:"title"`
	IsTVShow  bool   `json:"isTvShow"`
	ShowID    uint16 `json:"showId"`
	Season    uint8  `json:"season"`
	Episode   uint8  `json:"episode"`
	Year      uint16 `json:"year"`
	ShowName  string `json:"showName"`
}

// StartTime returns Start as UTC.
func (p Program) StartTime() time.Time { return time.Unix(p.Start, 0).UTC() }

// EndTime returns End as UTC.
func (p Program) EndTime() time.Time { return time.Unix(p.End, 0).UTC() }

// File is one decoded EPG file.
type File struct {
	ServiceName       int    // EPG service id taken from the URL
	HeaderServiceName uint16 // header bytes 3..4; usually equal to ServiceName
	Version           uint8
	URL               string
	Programs          []Program
	// Truncated is set when a corrupt record ended decoding early.
	Truncated bool
}

// Decoder decodes EPG files. The zero value uses the defaults.
type Decoder struct {
	DomainMarker string // "" = DefaultDomainMarker
	// Delimiter, when set, is scanned for after each show name and the next
	// record starts right after it. Empty steps over TrailerLen bytes.
	Delimiter []byte
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// ── decoding ─────────────────────────────────────────────────────────────────

// Decode parses one reassembled file. Files that are not EPG return an error
// wrapping ErrNotEPG and no File. A corrupt record stops decoding; the
// records before it are kept.
func (d *Decoder) Decode(b []byte) (*File, error) {
	f, err := d.header(b)
	if err != nil {
		d.Metrics.EPGFile("rejected")
		return nil, err
	}
	log := d.Logger.With().Int("service", f.ServiceName).Logger()

	for i := headerLen + len(f.URL); i < len(b); {
		p, end, err := decodeRecord(b, i)
		if err != nil {
			log.Debug().Err(err).Int("offset", i).Int("decoded", len(f.Programs)).
				Msg("epgbin: corrupt record, skipping rest of file")
			f.Truncated = true
			break
		}
		f.Programs = append(f.Programs, p)

		next, ok := d.resync(b, end)
		if !ok {
			break
		}
		i = next
	}

	d.Metrics.EPGFile("decoded")
	d.Metrics.Records(len(f.Programs), f.Truncated)
	return f, nil
}

func (d *Decoder) header(b []byte) (*File, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: %d-byte file", ErrNotEPG, len(b))
	}
	urlLen := int(b[6])
	if headerLen+urlLen > len(b) {
		return nil, fmt.Errorf("%w: URL length %d past end of file", ErrNotEPG, urlLen)
	}
	url := string(b[headerLen : headerLen+urlLen])

	marker := d.DomainMarker
	if marker == "" {
		marker = DefaultDomainMarker
	}
	if !strings.Contains(url, marker) {
		return nil, fmt.Errorf("%w: URL %q", ErrNotEPG, url)
	}
	prefix, _, _ := strings.Cut(url, ".")
	id, err := strconv.Atoi(prefix)
	if err != nil || id < 0 {
		return nil, fmt.Errorf("%w: URL %q has no numeric service id", ErrNotEPG, url)
	}
	return &File{
		ServiceName:       id,
		HeaderServiceName: binary.BigEndian.Uint16(b[3:5]),
		Version:           b[5],
		URL:               url,
	}, nil
}

// decodeRecord decodes the record at i and returns the offset just past its
// show name.
func decodeRecord(b []byte, i int) (Program, int, error) {
	if i+recordHdrLen > len(b) {
		return Program{}, 0, errTruncated
	}
	r := b[i:]
	titleLen := int(r[31])
	o := recordHdrLen + titleLen
	if o+showHdrLen > len(r) {
		return Program{}, 0, errTruncated
	}
	nameLen := int(r[o+12])
	end := o + showHdrLen + nameLen
	if end > len(r) {
		return Program{}, 0, errTruncated
	}

	start := int64(int32(binary.BigEndian.Uint32(r[4:8])))
	duration := int64(binary.BigEndian.Uint16(r[8:10]))
	p := Program{
		ProgramID: int32(binary.BigEndian.Uint32(r[0:4])),
		Start:     start,
		End:       start + duration,
		Genre:     r[20],
		AgeRating: r[24],
		Title:     decodeString(r[recordHdrLen:o]),
		IsTVShow:  r[o] == showMarker,
		ShowID:    binary.BigEndian.Uint16(r[o+5 : o+7]),
		Episode:   r[o+8],
		Year:      binary.BigEndian.Uint16(r[o+9 : o+11]),
		Season:    r[o+11],
		ShowName:  decodeString(r[o+showHdrLen : end]),
	}
	if p.ProgramID < 0 || start < 0 || duration <= 0 || p.Year > maxYear {
		return Program{}, 0, fmt.Errorf("%w: id=%d start=%d duration=%d year=%d",
			errInvalid, p.ProgramID, start, duration, p.Year)
	}
	return p, i + end, nil
}

// resync finds the start of the record following one that ended at end.
func (d *Decoder) resync(b []byte, end int) (int, bool) {
	delim := d.Delimiter
	if len(delim) == 0 {
		next := end + TrailerLen
		return next, next < len(b)
	}
	n := bytes.Index(b[end:], delim)
	if n < 0 {
		return 0, false
	}
	return end + n + len(delim), true
}
