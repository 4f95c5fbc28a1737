package discovery

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snapetech/mcastguide/internal/catalog"
	"github.com/snapetech/mcastguide/internal/metrics"
)

// Options controls BuildChannels.
type Options struct {
	// LogoBase is prefixed to each service's logoURI fragment.
	LogoBase string
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// BuildChannels joins the entitled packages' dial numbers with the service
// list and returns the lineup sorted by dial. When two entitled packages map
// the same dial, the later one wins. Dials whose service is unknown or has no
// multicast location are skipped.
func BuildChannels(docs Documents, entitled []string, opts Options) []catalog.Channel {
	log := opts.Logger
	if docs.Services == nil || docs.Packages == nil {
		log.Warn().Bool("service_list", docs.Services != nil).Bool("packages", docs.Packages != nil).
			Msg("discovery: missing documents, no channels built")
		return nil
	}

	services := make(map[int]Service, len(docs.Services.Services))
	for _, s := range docs.Services.Services {
		services[s.ServiceName] = s
	}

	allowed := make(map[string]bool, len(entitled))
	for _, p := range entitled {
		if p = strings.TrimSpace(p); p != "" {
			allowed[p] = true
		}
	}
	dials := make(map[int]int)
	for _, pkg := range docs.Packages.Packages {
		if !allowed[pkg.Name] {
			continue
		}
		for _, d := range pkg.Dials {
			dials[d.Dial] = d.ServiceName
		}
	}

	order := make([]int, 0, len(dials))
	for d := range dials {
		order = append(order, d)
	}
	sort.Ints(order)

	channels := make([]catalog.Channel, 0, len(order))
	for _, dial := range order {
		sn := dials[dial]
		svc, ok := services[sn]
		if !ok || svc.Address == "" {
			log.Debug().Int("dial", dial).Int("service", sn).Bool("known", ok).
				Msg("discovery: skipping channel without multicast location")
			opts.Metrics.ChannelSkipped()
			continue
		}
		ch := catalog.Channel{
			Dial:             dial,
			ServiceName:      sn,
			EPGServiceName:   svc.EPGServiceName(),
			MulticastAddress: svc.Address,
			Name:             svc.Name,
			ShortName:        svc.ShortName,
			Description:      svc.Description,
		}
		if svc.Logo != "" {
			ch.LogoURI = opts.LogoBase + svc.Logo
		}
		channels = append(channels, ch)
	}
	log.Info().Int("channels", len(channels)).Int("dials", len(order)).Msg("discovery: lineup built")
	return channels
}

// EPGEntrypoints returns the EPG carousel addresses, one per broadcast day,
// in document order. A nil document yields nil.
func EPGEntrypoints(b *BCGDiscovery) []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.Entrypoints...)
}
