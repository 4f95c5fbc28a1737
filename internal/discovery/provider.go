package discovery

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNoProvider is returned when no service provider matches the demarcation.
var ErrNoProvider = errors.New("no service provider for demarcation")

// FindServiceProvider scans the service provider discovery documents served
// at the platform's DVB entrypoint and returns the push address (host:port) of
// the provider whose DomainName belongs to demarcation ("DEM_<n>.<domain>").
func FindServiceProvider(docs []string, demarcation int) (string, error) {
	prefix := "DEM_" + strconv.Itoa(demarcation) + "."
	var parseErr error
	for _, doc := range docs {
		addr, err := pushAddress(normalize(doc), prefix)
		if addr != "" {
			return addr, nil
		}
		if err != nil && parseErr == nil {
			parseErr = err
		}
	}
	if parseErr != nil {
		return "", fmt.Errorf("%w %d (provider discovery: %v)", ErrNoProvider, demarcation, parseErr)
	}
	return "", fmt.Errorf("%w %d", ErrNoProvider, demarcation)
}

// pushAddress returns the first Push address below the ServiceProvider whose
// DomainName starts with prefix.
func pushAddress(doc, prefix string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	depth := 0 // > 0 while inside the matching provider
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth > 0 {
				depth++
				if t.Name.Local == "Push" {
					a := xmlAddress{Address: attr(t.Attr, "Address"), Port: attr(t.Attr, "Port")}
					if hp := a.hostPort(); hp != "" {
						return hp, nil
					}
				}
				continue
			}
			if t.Name.Local == "ServiceProvider" && strings.HasPrefix(attr(t.Attr, "DomainName"), prefix) {
				depth = 1
			}
		case xml.EndElement:
			if depth > 0 {
				depth--
			}
		}
	}
}

func attr(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}
