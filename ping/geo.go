package ping

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Geo is the location of a client address.
type Geo struct {
	Country    string
	Region     string
	City       string
	Continent  string
	PostalCode string
	Timezone   string
	Latitude   float64
	Longitude  float64
}

// GeoResolver maps a client address to a location.
type GeoResolver interface {
	Lookup(ip net.IP) (*Geo, bool)
}

// MaxMindResolver resolves locations from a GeoLite2/GeoIP2 City database.
type MaxMindResolver struct {
	db *geoip2.Reader
}

// OpenGeoIP opens the MaxMind database at path.
func OpenGeoIP(path string) (*MaxMindResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %w", err)
	}
	return &MaxMindResolver{db: db}, nil
}

// Lookup returns the location of ip, or false when the database has none.
func (m *MaxMindResolver) Lookup(ip net.IP) (*Geo, bool) {
	if ip == nil {
		return nil, false
	}
	city, err := m.db.City(ip)
	if err != nil || city.Country.IsoCode == "" {
		return nil, false
	}

	g := &Geo{
		Country:    city.Country.IsoCode,
		City:       city.City.Names["en"],
		Continent:  city.Continent.Code,
		PostalCode: city.Postal.Code,
		Timezone:   city.Location.TimeZone,
		Latitude:   round2(city.Location.Latitude),
		Longitude:  round2(city.Location.Longitude),
	}
	if len(city.Subdivisions) > 0 {
		g.Region = city.Subdivisions[0].Names["en"]
	}
	return g, true
}

// Close releases the database.
func (m *MaxMindResolver) Close() error {
	return m.db.Close()
}

// round2 keeps coordinates at city precision.
func round2(f float64) float64 {
	if f < 0 {
		return -round2(-f)
	}
	return float64(int64(f*100+0.5)) / 100
}
