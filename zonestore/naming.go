package zonestore

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// lookupProfile maps names for storage and lookup. STD3 rules are relaxed
// so wildcard labels (*) and service labels (_acme-challenge) survive.
var lookupProfile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(false),
	idna.Transitional(false),
)

// Normalize lowercases a domain name, strips the trailing dot and converts
// IDN labels to their A-label form. The result is the storage orientation
// of the name (left to right, most specific label first).
func Normalize(name string) (string, error) {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if name == "" {
		return "", nil
	}
	ascii, err := lookupProfile.ToASCII(name)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

// ToUnicode renders an A-label name for display comparison. Errors fall
// back to the input.
func ToUnicode(name string) string {
	u, err := lookupProfile.ToUnicode(name)
	if err != nil {
		return name
	}
	return u
}

// Reverse flips the label order of a name: www.example.com becomes
// com.example.www. Reversed names are the key stem of every stored record,
// so lexical sort groups zone neighbors and wildcard substitution is a
// single label replacement.
func Reverse(name string) string {
	if name == "" {
		return ""
	}
	labels := strings.Split(name, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

// JoinName builds the full name from a zone and a subdomain prefix. An
// empty subdomain is the zone apex.
func JoinName(zone, subdomain string) string {
	if subdomain == "" {
		return zone
	}
	return subdomain + "." + zone
}

// SubdomainOf strips the zone suffix from a full name. It returns "" for
// the apex and the name unchanged when it is not under the zone.
func SubdomainOf(name, zone string) string {
	if name == zone {
		return ""
	}
	return strings.TrimSuffix(name, "."+zone)
}

// wildcardReversed replaces the final label of a reversed name (the
// original name's left-most label) with the wildcard label.
func wildcardReversed(reversed string) string {
	i := strings.LastIndexByte(reversed, '.')
	if i < 0 {
		return "*"
	}
	return reversed[:i+1] + "*"
}

// wildcardName replaces the left-most label of a forward name with *.
func wildcardName(name string) string {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return "*"
	}
	return "*" + name[i:]
}

// zoneCandidates lists the suffixes of a name that may be a zone apex,
// longest first. The walk stops at the registrable domain boundary from
// the public suffix list, so example.co.uk is never reduced past itself
// while single-label names (localhost) remain their own candidate.
func zoneCandidates(name string) []string {
	labels := strings.Split(name, ".")
	min := 1
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(name); err == nil {
		min = len(strings.Split(etld1, "."))
	}
	var out []string
	for i := 0; len(labels)-i >= min; i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}
	return out
}
