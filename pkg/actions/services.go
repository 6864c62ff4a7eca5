package actions

import (
	"context"
	"fmt"
	"path"
	"sort"
)

// Service runs `service <name> <action>`.
func Service(ctx context.Context, r Runner, name, action string) error {
	if _, err := r.Run(ctx, "service", name, action); err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, name, err)
	}
	return nil
}

// Apache toggles sites and modules through the a2* helpers. Enabled state
// is read from the sites-enabled and mods-enabled directories.
type Apache struct {
	Dir    string
	Files  *Files
	Runner Runner
}

// SiteEnabled reports whether the site configuration is enabled.
func (a *Apache) SiteEnabled(conf string) bool {
	return a.Files.Exists(path.Join(a.Dir, "sites-enabled", conf))
}

// EnableSite runs a2ensite unless the site is already enabled.
func (a *Apache) EnableSite(ctx context.Context, conf string) (bool, error) {
	if a.SiteEnabled(conf) {
		return false, nil
	}
	if _, err := a.Runner.Run(ctx, "a2ensite", conf); err != nil {
		return false, fmt.Errorf("failed to enable site %s: %w", conf, err)
	}
	return true, nil
}

// DisableSite runs a2dissite when the site is enabled.
func (a *Apache) DisableSite(ctx context.Context, conf string) (bool, error) {
	if !a.SiteEnabled(conf) {
		return false, nil
	}
	if _, err := a.Runner.Run(ctx, "a2dissite", conf); err != nil {
		return false, fmt.Errorf("failed to disable site %s: %w", conf, err)
	}
	return true, nil
}

// EnableModule runs a2enmod unless the module is already enabled.
func (a *Apache) EnableModule(ctx context.Context, mod string) (bool, error) {
	if a.Files.Exists(path.Join(a.Dir, "mods-enabled", mod+".load")) {
		return false, nil
	}
	if _, err := a.Runner.Run(ctx, "a2enmod", mod); err != nil {
		return false, fmt.Errorf("failed to enable module %s: %w", mod, err)
	}
	return true, nil
}

// Notifier collects delayed service notifications and runs each once.
// A restart supersedes a reload of the same service.
type Notifier struct {
	pending map[string]string
}

// Notify schedules action for service.
func (n *Notifier) Notify(service, action string) {
	if n.pending == nil {
		n.pending = make(map[string]string)
	}
	if n.pending[service] == "restart" {
		return
	}
	n.pending[service] = action
}

// Pending returns the scheduled "service action" pairs in service order.
func (n *Notifier) Pending() []string {
	services := make([]string, 0, len(n.pending))
	for s := range n.pending {
		services = append(services, s)
	}
	sort.Strings(services)

	out := make([]string, 0, len(services))
	for _, s := range services {
		out = append(out, s+" "+n.pending[s])
	}
	return out
}

// Flush runs all scheduled notifications and clears them. Failed
// notifications stay scheduled.
func (n *Notifier) Flush(ctx context.Context, r Runner) error {
	services := make([]string, 0, len(n.pending))
	for s := range n.pending {
		services = append(services, s)
	}
	sort.Strings(services)

	for _, s := range services {
		if err := Service(ctx, r, s, n.pending[s]); err != nil {
			return err
		}
		delete(n.pending, s)
	}
	return nil
}
