// Package reconcile computes the effective allow-list a kiosk device enforces.
package reconcile

import (
	"sort"
	"strings"
)

// TrustedPrefix marks first-party packages that are always allowed when installed
const TrustedPrefix = "edu.aiims."

// DefaultAllowedPackages is the fixed allow-list every device starts from
var DefaultAllowedPackages = []string{
	"org.odk.collect.android",
	"com.whatsapp",
	"com.whatsapp.w4b",
	"edu.vanderbilt.redcap",
	"com.android.settings",
	"com.google.android.settings",
	"com.android.dialer",
	"com.google.android.dialer",
	"com.android.messaging",
	"com.google.android.apps.messaging",
	"com.google.android.gm",
	"org.mozilla.firefox",
	"com.android.chrome",
}

// AllowList is a sorted, duplicate-free set of package identifiers
type AllowList []string

// Contains reports whether pkg is allowed
func (a AllowList) Contains(pkg string) bool {
	i := sort.SearchStrings(a, pkg)
	return i < len(a) && a[i] == pkg
}

// Strings returns a copy of the list
func (a AllowList) Strings() []string {
	return append([]string(nil), a...)
}

// Reconcile merges the default, remote and locally discovered sets with the
// agent's own identifier. An empty remote set leaves the defaults in charge;
// a non-empty one extends them. Blank entries are dropped and the result is
// sorted, so it does not depend on input order.
func Reconcile(defaults, remote, local []string, self string) AllowList {
	sets := [][]string{defaults, local, {self}}
	if len(remote) > 0 {
		sets = append(sets, remote)
	}

	seen := make(map[string]bool)
	var out AllowList
	for _, set := range sets {
		for _, pkg := range set {
			pkg = strings.TrimSpace(pkg)
			if pkg == "" || seen[pkg] {
				continue
			}
			seen[pkg] = true
			out = append(out, pkg)
		}
	}
	sort.Strings(out)
	return out
}

// FilterTrusted returns the installed packages that carry prefix
func FilterTrusted(installed []string, prefix string) []string {
	if prefix == "" {
		return nil
	}
	var out []string
	for _, pkg := range installed {
		pkg = strings.TrimSpace(pkg)
		if strings.HasPrefix(pkg, prefix) && len(pkg) > len(prefix) {
			out = append(out, pkg)
		}
	}
	return out
}
