package jobs

import "strings"

// InstanceMeta is the subset of the instance settings the processors read.
// It is kept in a cache.Cache and replaced on metaUpdated events.
type InstanceMeta struct {
	Name         string   `json:"name"`
	BlockedHosts []string `json:"blockedHosts"`
}

// IsBlockedHost reports whether host or any of its parent domains is
// blocked.
func (m InstanceMeta) IsBlockedHost(host string) bool {
	if host == "" {
		return false
	}
	h := "." + strings.ToLower(host)
	for _, b := range m.BlockedHosts {
		if b == "" {
			continue
		}
		if strings.HasSuffix(h, "."+strings.ToLower(b)) {
			return true
		}
	}
	return false
}
