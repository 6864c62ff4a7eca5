package sites

import "path"

// DefaultBaseDir is where site sources live inside the machine.
const DefaultBaseDir = "/vagrant/sites"

// SiteRoot returns {base}/{host}.
func SiteRoot(base string, s Site) string {
	if base == "" {
		base = DefaultBaseDir
	}
	return path.Join(base, s.Host)
}

// DocRoot returns {base}/{host}/{webroot}, or {base}/{host} when the site
// has no webroot.
func DocRoot(base string, s Site) string {
	root := SiteRoot(base, s)
	if s.Webroot == "" {
		return root
	}
	return path.Join(root, s.Webroot)
}
