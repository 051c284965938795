package sink

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Locator resolves a client IP to a location. It returns nil when unknown.
type Locator interface {
	Locate(ip string) *Geo
}

// MaxMindLocator reads GeoLite2/GeoIP2 City or Country databases.
type MaxMindLocator struct {
	db *maxminddb.Reader
}

type maxmindRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMindLocator, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	return &MaxMindLocator{db: db}, nil
}

// Locate looks up ip. Private and unparseable addresses yield nil.
func (m *MaxMindLocator) Locate(ip string) *Geo {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsPrivate() || parsed.IsLoopback() {
		return nil
	}
	var rec maxmindRecord
	if err := m.db.Lookup(parsed, &rec); err != nil {
		return nil
	}
	if rec.Country.ISOCode == "" {
		return nil
	}
	return &Geo{
		Country: rec.Country.ISOCode,
		City:    rec.City.Names["en"],
		Lat:     rec.Location.Latitude,
		Lon:     rec.Location.Longitude,
	}
}

// Close releases the database.
func (m *MaxMindLocator) Close() error {
	return m.db.Close()
}
