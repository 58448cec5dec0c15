package spooler

import (
	"net/mail"
	"regexp"
	"strings"
)

// SenderFilter is an allow-list of mail senders. Entries may be exact
// addresses, "@domain", a bare "domain", or masks with "*" such as
// "*@*.example.org" (which also admits "*@example.org"). An empty list
// admits nobody.
type SenderFilter struct {
	exact   map[string]struct{}
	domains map[string]struct{}
	masks   []*regexp.Regexp
}

var looseAddressRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

func NewSenderFilter(patterns []string) *SenderFilter {
	f := &SenderFilter{
		exact:   make(map[string]struct{}),
		domains: make(map[string]struct{}),
	}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		switch {
		case p == "":
		case strings.Contains(p, "*"):
			f.masks = append(f.masks, maskRegexp(p))
			if rest, ok := strings.CutPrefix(p, "*@*."); ok {
				f.masks = append(f.masks, maskRegexp("*@"+rest))
			}
		case strings.HasPrefix(p, "@"):
			f.domains[p[1:]] = struct{}{}
		case !strings.Contains(p, "@"):
			f.domains[p] = struct{}{}
		default:
			f.exact[p] = struct{}{}
		}
	}
	return f
}

func maskRegexp(mask string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(mask)
	return regexp.MustCompile("^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$")
}

func (f *SenderFilter) Empty() bool {
	return f == nil || len(f.exact)+len(f.domains)+len(f.masks) == 0
}

// Allowed reports whether from (a bare address or "Name <addr>") may submit.
func (f *SenderFilter) Allowed(from string) bool {
	if f.Empty() {
		return false
	}
	addr := ExtractAddress(from)
	if addr == "" {
		return false
	}
	if _, ok := f.exact[addr]; ok {
		return true
	}
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		if _, ok := f.domains[addr[at+1:]]; ok {
			return true
		}
	}
	for _, re := range f.masks {
		if re.MatchString(addr) {
			return true
		}
	}
	return false
}

// ExtractAddress returns the lower-cased address part of a From header, or
// "" when none can be found.
func ExtractAddress(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(a.Address)
	}
	if m := looseAddressRe.FindString(from); m != "" {
		return strings.ToLower(m)
	}
	return ""
}
