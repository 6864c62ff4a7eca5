package actions

import (
	"context"
	"fmt"
	"strings"
)

// Packages installs system packages, ruby gems and PECL extensions. Each
// ensure call checks what is installed first and reports whether it
// installed anything.
type Packages struct {
	Runner Runner
}

// Ensure installs an apt package unless dpkg reports it installed.
func (p Packages) Ensure(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("package name is required")
	}

	out, err := p.Runner.Run(ctx, "dpkg-query", "-W", "-f=${Status}", name)
	if err == nil && strings.Contains(out, "install ok installed") {
		return false, nil
	}

	if _, err := p.Runner.Run(ctx, "env", "DEBIAN_FRONTEND=noninteractive",
		"apt-get", "install", "-y", "-q", name); err != nil {
		return false, fmt.Errorf("failed to install package %s: %w", name, err)
	}
	return true, nil
}

// EnsureGem installs a ruby gem unless gem list reports it.
func (p Packages) EnsureGem(ctx context.Context, name string) (bool, error) {
	out, err := p.Runner.Run(ctx, "gem", "list", "-i", name)
	if err == nil && strings.TrimSpace(out) == "true" {
		return false, nil
	}

	if _, err := p.Runner.Run(ctx, "gem", "install", name); err != nil {
		return false, fmt.Errorf("failed to install gem %s: %w", name, err)
	}
	return true, nil
}

// EnsurePecl installs a PECL extension unless pecl list shows it.
func (p Packages) EnsurePecl(ctx context.Context, name string) (bool, error) {
	out, err := p.Runner.Run(ctx, "pecl", "list")
	if err == nil && listsPackage(out, name) {
		return false, nil
	}

	if _, err := p.Runner.Run(ctx, "pecl", "install", name); err != nil {
		return false, fmt.Errorf("failed to install pecl extension %s: %w", name, err)
	}
	return true, nil
}

// listsPackage looks for name as the first column of a package listing.
func listsPackage(listing, name string) bool {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.EqualFold(fields[0], name) {
			return true
		}
	}
	return false
}
