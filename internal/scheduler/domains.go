package scheduler

import "strings"

// domainSet stores exact hosts and suffix wildcards derived from configuration.
// "*.example.com" and ".example.com" match example.com and every subdomain.
type domainSet struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainSet(patterns []string) *domainSet {
	set := &domainSet{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			set.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			set.addSuffix(strings.TrimPrefix(value, "."))
		default:
			set.exact[value] = struct{}{}
		}
	}
	if len(set.exact) == 0 && len(set.suffixes) == 0 {
		return nil
	}
	return set
}

func (s *domainSet) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range s.suffixes {
		if existing == suffix {
			return
		}
	}
	s.suffixes = append(s.suffixes, suffix)
}

func (s *domainSet) contains(host string) bool {
	if s == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := s.exact[host]; exact {
		return true
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// domainFilter applies the exclude list, then the include list when one is
// configured.
type domainFilter struct {
	exclude *domainSet
	include *domainSet
}

func newDomainFilter(exclude, include []string) domainFilter {
	return domainFilter{exclude: newDomainSet(exclude), include: newDomainSet(include)}
}

func (f domainFilter) allowed(host string) bool {
	if f.exclude.contains(host) {
		return false
	}
	if f.include != nil && !f.include.contains(host) {
		return false
	}
	return true
}
