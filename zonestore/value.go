package zonestore

// Type is a stored record type. ANAME and URL are pseudo-records: they are
// never emitted on the wire under their own name.
type Type string

const (
	TypeA     Type = "A"
	TypeAAAA  Type = "AAAA"
	TypeCNAME Type = "CNAME"
	TypeANAME Type = "ANAME"
	TypeMX    Type = "MX"
	TypeTXT   Type = "TXT"
	TypeCAA   Type = "CAA"
	TypeNS    Type = "NS"
	TypeURL   Type = "URL"
)

// TypeOrder is the listing sort order.
var TypeOrder = []Type{TypeA, TypeAAAA, TypeANAME, TypeCNAME, TypeMX, TypeTXT, TypeCAA, TypeURL, TypeNS}

var typeRank = func() map[Type]int {
	m := make(map[Type]int, len(TypeOrder))
	for i, t := range TypeOrder {
		m[t] = i
	}
	return m
}()

// ValidType reports whether t is a storable record type.
func ValidType(t Type) bool {
	_, ok := typeRank[t]
	return ok
}

// Value is the ordered tuple stored per record, shaped by type:
//
//	A/AAAA  (address, healthCheckURI|null)
//	CNAME   (target)        ANAME (target)
//	MX      (exchange, priority)
//	TXT     (data)
//	CAA     (value, tag, flags)
//	NS      (nsDomain)
//	URL     (url, statusCode, proxy)
//
// Tuples are JSON-serialized atomically per hash field.
type Value []interface{}

func (v Value) str(i int) string {
	if i >= len(v) {
		return ""
	}
	s, _ := v[i].(string)
	return s
}

func (v Value) num(i int) (int, bool) {
	if i >= len(v) {
		return 0, false
	}
	switch n := v[i].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// Address returns the A/AAAA address.
func (v Value) Address() string { return v.str(0) }

// HealthCheck returns the A/AAAA health check URI, "" when unset.
func (v Value) HealthCheck() string {
	if len(v) < 2 || v[1] == nil {
		return ""
	}
	return v.str(1)
}

// Target returns the CNAME/ANAME target. "@" denotes the zone apex.
func (v Value) Target() string { return v.str(0) }

// Exchange returns the MX exchange and priority.
func (v Value) Exchange() (string, int) {
	prio, _ := v.num(1)
	return v.str(0), prio
}

// Data returns the TXT payload.
func (v Value) Data() string { return v.str(0) }

// CAA returns the CAA value, tag and flags.
func (v Value) CAA() (value, tag string, flags int) {
	flags, _ = v.num(2)
	return v.str(0), v.str(1), flags
}

// NSDomain returns the NS target domain.
func (v Value) NSDomain() string { return v.str(0) }

// URL returns the URL target, redirect status code and proxy flag.
func (v Value) URL() (target string, statusCode int, proxy bool) {
	statusCode, ok := v.num(1)
	if !ok || statusCode == 0 {
		statusCode = 301
	}
	if len(v) > 2 {
		proxy, _ = v[2].(bool)
	}
	return v.str(0), statusCode, proxy
}

var caaTags = map[string]bool{"issue": true, "issuewild": true, "iodef": true}

var urlStatusCodes = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// validValue checks the tuple shape for a type. Failures are input
// rejections, not errors.
func validValue(t Type, v Value) bool {
	switch t {
	case TypeA, TypeAAAA:
		return len(v) >= 1 && v.Address() != ""
	case TypeCNAME, TypeANAME:
		return len(v) >= 1 && v.Target() != ""
	case TypeMX:
		if len(v) < 2 {
			return false
		}
		_, prio := v.Exchange()
		return prio >= 1 && prio <= 255
	case TypeTXT:
		return len(v) >= 1 && len(v.Data()) <= 512
	case TypeCAA:
		if len(v) < 3 {
			return false
		}
		_, tag, _ := v.CAA()
		return caaTags[tag]
	case TypeNS:
		return len(v) >= 1 && v.NSDomain() != ""
	case TypeURL:
		if len(v) < 1 || v.str(0) == "" {
			return false
		}
		if code, ok := v.num(1); ok && code != 0 && !urlStatusCodes[code] {
			return false
		}
		return true
	}
	return false
}

// FormatValue maps a stored tuple to the REST shape keyed by field name.
// Pure; does not touch the store.
func FormatValue(t Type, v Value) map[string]interface{} {
	switch t {
	case TypeA, TypeAAAA:
		out := map[string]interface{}{"address": v.Address()}
		if hc := v.HealthCheck(); hc != "" {
			out["healthCheck"] = hc
		}
		return out
	case TypeCNAME, TypeANAME:
		return map[string]interface{}{"target": v.Target()}
	case TypeMX:
		exchange, prio := v.Exchange()
		return map[string]interface{}{"exchange": exchange, "priority": prio}
	case TypeTXT:
		return map[string]interface{}{"data": v.Data()}
	case TypeCAA:
		value, tag, flags := v.CAA()
		return map[string]interface{}{"value": value, "tag": tag, "flags": flags}
	case TypeNS:
		return map[string]interface{}{"nsDomain": v.NSDomain()}
	case TypeURL:
		target, code, proxy := v.URL()
		return map[string]interface{}{"url": target, "statusCode": code, "proxy": proxy}
	}
	return nil
}
