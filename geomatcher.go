package kixdns

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// geoMatcher backs the supplemented client_geo matcher, comparing the
// client's resolved continent/country/city GeoName ID against a configured
// rule of the form "continent:<id>" / "country:<id>" / "city:<id>", the same
// rule shape the teacher's GeoIPDB uses for blocklists.
type geoMatcher struct {
	db  *maxminddb.Reader
	key string // e.g. "country:2635167"
}

// geoDBHandle is shared by every client_geo matcher compiled from the same
// config, opened once at compile time.
type geoDBHandle struct {
	path string
	db   *maxminddb.Reader
}

func openGeoDB(path string) (*geoDBHandle, error) {
	if path == "" {
		path = "/usr/share/GeoIP/GeoLite2-City.mmdb"
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %q: %w", path, err)
	}
	return &geoDBHandle{path: path, db: db}, nil
}

func newGeoMatcher(handle *geoDBHandle, place string, geonameID uint64) *geoMatcher {
	return &geoMatcher{db: handle.db, key: fmt.Sprintf("%s:%d", place, geonameID)}
}

func (g *geoMatcher) match(ip net.IP) bool {
	if ip == nil || g.db == nil {
		return false
	}
	var record struct {
		Continent struct {
			GeoNameID uint `maxminddb:"geoname_id"`
		} `maxminddb:"continent"`
		Country struct {
			GeoNameID uint `maxminddb:"geoname_id"`
		} `maxminddb:"country"`
		City struct {
			GeoNameID uint `maxminddb:"geoname_id"`
		} `maxminddb:"city"`
	}
	if err := g.db.Lookup(ip, &record); err != nil {
		Log.WithField("ip", ip.String()).WithError(err).Debug("geoip lookup failed")
		return false
	}
	keys := []string{
		fmt.Sprintf("continent:%d", record.Continent.GeoNameID),
		fmt.Sprintf("country:%d", record.Country.GeoNameID),
		fmt.Sprintf("city:%d", record.City.GeoNameID),
	}
	for _, k := range keys {
		if k == g.key {
			return true
		}
	}
	return false
}
