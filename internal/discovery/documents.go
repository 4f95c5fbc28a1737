// Package discovery parses the broadcaster's service discovery documents
// (DVB-IPTV SD&S XML delivered over the file carousel) and joins them into
// the channel lineup.
//
// Three documents matter: the service list (one SingleService per channel
// stream), the package discovery (dial numbers per subscription package) and
// the BCG discovery (multicast addresses of the binary EPG carousels). Each
// arrives as a separate file; a missing or unparsable document degrades the
// result instead of failing it.
package discovery

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const docEnd = "</ServiceDiscovery>"

// Documents holds the parsed discovery documents. A nil field means the
// document was not received or did not parse.
type Documents struct {
	Services *ServiceList
	Packages *PackageList
	EPG      *BCGDiscovery
}

// Service is one SingleService entry.
type Service struct {
	ServiceName int
	Address     string // host:port; "" when the service has no multicast location
	Name        string
	ShortName   string
	Description string
	Logo        string // logoURI fragment, relative to the logo base
	// Replacement is the service whose EPG this one uses; 0 = its own.
	Replacement int
}

// EPGServiceName returns the key of the service's programs in the guide.
func (s Service) EPGServiceName() int {
	if s.Replacement != 0 {
		return s.Replacement
	}
	return s.ServiceName
}

type ServiceList struct {
	Services []Service
}

// DialEntry maps a logical channel number to a service.
type DialEntry struct {
	Dial        int
	ServiceName int
}

type Package struct {
	Name  string
	Dials []DialEntry
}

type PackageList struct {
	Packages []Package
}

// BCGDiscovery lists the EPG carousels, one per broadcast day.
type BCGDiscovery struct {
	Entrypoints []string // host:port
}

// ── classification ───────────────────────────────────────────────────────────

// Classify routes downloaded carousel files to their document type and parses
// them. Anything after the first </ServiceDiscovery> is dropped, as are line
// breaks. Files that match no type are ignored.
func Classify(raw []string, log zerolog.Logger) Documents {
	var docs Documents
	for _, doc := range raw {
		doc = normalize(doc)
		switch {
		case strings.Contains(doc, "</ServiceList>"):
			l, err := ParseServiceList(doc)
			if err != nil {
				log.Warn().Err(err).Msg("discovery: service list unparsable")
				continue
			}
			docs.Services = l
		case strings.Contains(doc, "</PackageDiscovery>"):
			p, err := ParsePackageList(doc, log)
			if err != nil {
				log.Warn().Err(err).Msg("discovery: package discovery unparsable")
				continue
			}
			docs.Packages = p
		case strings.Contains(doc, "</BCGDiscovery>"):
			b, err := ParseBCGDiscovery(doc)
			if err != nil {
				log.Warn().Err(err).Msg("discovery: BCG discovery unparsable")
				continue
			}
			docs.EPG = b
		default:
			log.Debug().Int("bytes", len(doc)).Msg("discovery: ignoring unknown document")
		}
	}
	return docs
}

func normalize(doc string) string {
	if i := strings.Index(doc, docEnd); i >= 0 {
		doc = doc[:i+len(docEnd)]
	}
	return strings.ReplaceAll(doc, "\n", "")
}

// ── XML shapes ───────────────────────────────────────────────────────────────

type xmlTextualID struct {
	ServiceName string `xml:"ServiceName,attr"`
	LogoURI     string `xml:"logoURI,attr"`
}

type xmlAddress struct {
	Address string `xml:"Address,attr"`
	Port    string `xml:"Port,attr"`
}

func (a xmlAddress) hostPort() string {
	if a.Address == "" || a.Port == "" {
		return ""
	}
	return net.JoinHostPort(a.Address, a.Port)
}

type xmlSingleService struct {
	Locations    []xmlAddress   `xml:"ServiceLocation>IPMulticastAddress"`
	Identifiers  []xmlTextualID `xml:"TextualIdentifier"`
	Names        []string       `xml:"SI>Name"`
	ShortNames   []string       `xml:"SI>ShortName"`
	Descriptions []string       `xml:"SI>Description"`
	Replacements []xmlTextualID `xml:"SI>ReplacementService>TextualIdentifier"`
	// Some lists carry the replacement outside SI.
	OuterReplacements []xmlTextualID `xml:"ReplacementService>TextualIdentifier"`
}

type xmlPackage struct {
	Names    []string            `xml:"PackageName"`
	Services []xmlPackageService `xml:"Service"`
}

type xmlPackageService struct {
	TextualID xmlTextualID `xml:"TextualID"`
	Dial      string       `xml:"LogicalChannelNumber"`
}

// decodeAll decodes every element named local, at any depth.
func decodeAll[T any](doc, local string) ([]T, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	var out []T
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != local {
			continue
		}
		var v T
		if err := dec.DecodeElement(&v, &start); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return strings.TrimSpace(s[0])
}

// ── parsers ──────────────────────────────────────────────────────────────────

// ParseServiceList parses a service list document. Services without a
// numeric ServiceName are skipped.
func ParseServiceList(doc string) (*ServiceList, error) {
	raw, err := decodeAll[xmlSingleService](doc, "SingleService")
	if err != nil {
		return nil, fmt.Errorf("discovery: service list: %w", err)
	}
	l := &ServiceList{}
	for _, s := range raw {
		if len(s.Identifiers) == 0 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(s.Identifiers[0].ServiceName))
		if err != nil {
			continue
		}
		svc := Service{
			ServiceName: id,
			Name:        first(s.Names),
			ShortName:   first(s.ShortNames),
			Description: first(s.Descriptions),
			Logo:        strings.TrimSpace(s.Identifiers[0].LogoURI),
		}
		if len(s.Locations) > 0 {
			svc.Address = s.Locations[0].hostPort()
		}
		repl := append(s.Replacements, s.OuterReplacements...)
		if len(repl) > 0 {
			if r, err := strconv.Atoi(strings.TrimSpace(repl[0].ServiceName)); err == nil {
				svc.Replacement = r
			}
		}
		l.Services = append(l.Services, svc)
	}
	return l, nil
}

// ParsePackageList parses a package discovery document. Entries with a
// non-numeric service name or dial are logged and skipped.
func ParsePackageList(doc string, log zerolog.Logger) (*PackageList, error) {
	raw, err := decodeAll[xmlPackage](doc, "Package")
	if err != nil {
		return nil, fmt.Errorf("discovery: package discovery: %w", err)
	}
	l := &PackageList{}
	for _, p := range raw {
		pkg := Package{Name: first(p.Names)}
		for _, s := range p.Services {
			sn, err1 := strconv.Atoi(strings.TrimSpace(s.TextualID.ServiceName))
			dial, err2 := strconv.Atoi(strings.TrimSpace(s.Dial))
			if err1 != nil || err2 != nil {
				log.Debug().Str("package", pkg.Name).Str("service", s.TextualID.ServiceName).
					Str("dial", s.Dial).Msg("discovery: skipping malformed package entry")
				continue
			}
			pkg.Dials = append(pkg.Dials, DialEntry{Dial: dial, ServiceName: sn})
		}
		l.Packages = append(l.Packages, pkg)
	}
	return l, nil
}

// ParseBCGDiscovery collects every DVBBINSTP address in document order.
func ParseBCGDiscovery(doc string) (*BCGDiscovery, error) {
	raw, err := decodeAll[xmlAddress](doc, "DVBBINSTP")
	if err != nil {
		return nil, fmt.Errorf("discovery: BCG discovery: %w", err)
	}
	b := &BCGDiscovery{}
	for _, a := range raw {
		if hp := a.hostPort(); hp != "" {
			b.Entrypoints = append(b.Entrypoints, hp)
		}
	}
	return b, nil
}
