package service

import (
	"net/url"
	"strings"
)

// UnknownDomain stands in for URLs without a parseable host.
const UnknownDomain = "(unknown)"

// DomainOf returns the lower-cased host of rawURL, or UnknownDomain.
func DomainOf(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return UnknownDomain
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return UnknownDomain
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return UnknownDomain
	}
	return host
}

type DomainContext string

const (
	ContextITAdminTooling    DomainContext = "it_admin_tooling"
	ContextPasteSite         DomainContext = "paste_site"
	ContextConsumerFileShare DomainContext = "consumer_file_share"
	ContextUnknown           DomainContext = "unknown"
)

// DomainContextRule maps a keyword found in a domain to a coarse context tag.
type DomainContextRule struct {
	Keyword string
	Context DomainContext
}

// DefaultDomainContextRules is evaluated in order; the first keyword contained
// in the domain wins.
var DefaultDomainContextRules = []DomainContextRule{
	{"pastebin", ContextPasteSite},
	{"paste.ee", ContextPasteSite},
	{"hastebin", ContextPasteSite},
	{"ghostbin", ContextPasteSite},
	{"justpaste", ContextPasteSite},
	{"controlc", ContextPasteSite},
	{"privatebin", ContextPasteSite},
	{"dpaste", ContextPasteSite},
	{"rentry", ContextPasteSite},

	{"dropbox", ContextConsumerFileShare},
	{"wetransfer", ContextConsumerFileShare},
	{"mediafire", ContextConsumerFileShare},
	{"mega.nz", ContextConsumerFileShare},
	{"mega.io", ContextConsumerFileShare},
	{"sendspace", ContextConsumerFileShare},
	{"4shared", ContextConsumerFileShare},
	{"drive.google", ContextConsumerFileShare},
	{"onedrive", ContextConsumerFileShare},
	{"box.com", ContextConsumerFileShare},

	{"okta", ContextITAdminTooling},
	{"github", ContextITAdminTooling},
	{"gitlab", ContextITAdminTooling},
	{"atlassian", ContextITAdminTooling},
	{"servicenow", ContextITAdminTooling},
	{"jumpcloud", ContextITAdminTooling},
	{"teamviewer", ContextITAdminTooling},
	{"anydesk", ContextITAdminTooling},
	{"splashtop", ContextITAdminTooling},
	{"logmein", ContextITAdminTooling},
	{"jamf", ContextITAdminTooling},
	{"intune", ContextITAdminTooling},
	{"kaseya", ContextITAdminTooling},
}

// DomainClassifier tags domains using a keyword table.
type DomainClassifier struct {
	rules []DomainContextRule
}

func NewDomainClassifier(rules []DomainContextRule) *DomainClassifier {
	if rules == nil {
		rules = DefaultDomainContextRules
	}
	normalized := make([]DomainContextRule, 0, len(rules))
	for _, r := range rules {
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		if kw == "" {
			continue
		}
		normalized = append(normalized, DomainContextRule{Keyword: kw, Context: r.Context})
	}
	return &DomainClassifier{rules: normalized}
}

func (c *DomainClassifier) Classify(domain string) DomainContext {
	domain = strings.ToLower(domain)
	for _, r := range c.rules {
		if strings.Contains(domain, r.Keyword) {
			return r.Context
		}
	}
	return ContextUnknown
}
