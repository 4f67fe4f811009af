package ping

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
)

// Record is the JSON document stored under a ping key.
type Record struct {
	UserAgent string       `json:"User-Agent"`
	CF        *RequestInfo `json:"cf,omitempty"`
}

// RequestInfo is the edge metadata of the request: where it came from and
// how it connected. It never includes the client address.
type RequestInfo struct {
	Country      string  `json:"country,omitempty"`
	Region       string  `json:"region,omitempty"`
	City         string  `json:"city,omitempty"`
	Continent    string  `json:"continent,omitempty"`
	PostalCode   string  `json:"postalCode,omitempty"`
	Timezone     string  `json:"timezone,omitempty"`
	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	HTTPProtocol string  `json:"httpProtocol,omitempty"`
	TLSVersion   string  `json:"tlsVersion,omitempty"`
}

// NewRecord builds the record for r. geo may be nil.
func NewRecord(r *http.Request, ip string, geo GeoResolver) *Record {
	info := &RequestInfo{HTTPProtocol: r.Proto}
	if r.TLS != nil {
		info.TLSVersion = tls.VersionName(r.TLS.Version)
	}

	if geo != nil {
		if g, ok := geo.Lookup(net.ParseIP(ip)); ok {
			info.Country = g.Country
			info.Region = g.Region
			info.City = g.City
			info.Continent = g.Continent
			info.PostalCode = g.PostalCode
			info.Timezone = g.Timezone
			info.Latitude = g.Latitude
			info.Longitude = g.Longitude
		}
	}

	return &Record{
		UserAgent: r.Header.Get("User-Agent"),
		CF:        info,
	}
}

// Marshal encodes the record.
func (rec *Record) Marshal() ([]byte, error) {
	return json.Marshal(rec)
}
