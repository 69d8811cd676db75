package domain

import "strings"

var freeEmailDomains = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "yahoo.com": true, "hotmail.com": true,
	"outlook.com": true, "live.com": true, "icloud.com": true, "me.com": true,
	"aol.com": true, "proton.me": true, "protonmail.com": true, "gmx.com": true,
	"mail.com": true, "yandex.com": true,
}

// IsFreeEmailDomain reports whether domainName belongs to a consumer mail
// provider, which says nothing about the visitor's company.
func IsFreeEmailDomain(domainName string) bool {
	return freeEmailDomains[strings.ToLower(strings.TrimSpace(domainName))]
}

// IsReservedDomain reports documentation and test domains that never belong
// to a real company.
func IsReservedDomain(domainName string) bool {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domainName)), ".")
	switch d {
	case "example.com", "example.org", "example.net", "test.com", "localhost":
		return true
	}
	for _, suffix := range []string{".test", ".example", ".invalid", ".localhost"} {
		if strings.HasSuffix(d, suffix) {
			return true
		}
	}
	return d == "test" || d == "example" || d == "invalid"
}
