package system

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// OSFacts contains OS information.
type OSFacts struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	ID       string `json:"id"`
	Kernel   string `json:"kernel"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
}

// NetworkInterface represents a network interface.
type NetworkInterface struct {
	Name       string   `json:"name"`
	IPv4       []string `json:"ipv4"`
	IPv6       []string `json:"ipv6"`
	MACAddress string   `json:"mac_address,omitempty"`
	Up         bool     `json:"up"`
	IsLoopback bool     `json:"loopback,omitempty"`
}

// Facts describes the machine being provisioned.
type Facts struct {
	OS          OSFacts            `json:"os"`
	Interfaces  []NetworkInterface `json:"interfaces"`
	CollectedAt time.Time          `json:"collected_at"`
}

// IPv4 returns the first IPv4 address of the named interface, or "".
func (f *Facts) IPv4(iface string) string {
	for _, i := range f.Interfaces {
		if i.Name == iface && len(i.IPv4) > 0 {
			return i.IPv4[0]
		}
	}
	return ""
}

// Namespaces splits the facts into the namespaces they are stored under.
func (f *Facts) Namespaces() map[string]any {
	return map[string]any{
		"os.basic":   f.OS,
		"net.ifaces": f.Interfaces,
	}
}

// FactsCollector collects facts about the local machine.
type FactsCollector struct {
	// Root is prefixed to /etc and /proc paths.
	Root string

	// Interfaces lists network interfaces. It defaults to net.Interfaces.
	Interfaces func() ([]NetworkInterface, error)
}

// Collect gathers OS and network facts. Missing OS files leave fields
// empty; failing to list interfaces is an error.
func (c *FactsCollector) Collect() (*Facts, error) {
	facts := &Facts{
		OS:          c.collectOS(),
		CollectedAt: time.Now().UTC(),
	}

	list := c.Interfaces
	if list == nil {
		list = LocalInterfaces
	}
	ifaces, err := list()
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })
	facts.Interfaces = ifaces

	return facts, nil
}

func (c *FactsCollector) path(p string) string {
	if c.Root == "" {
		return p
	}
	return filepath.Join(c.Root, p)
}

func (c *FactsCollector) collectOS() OSFacts {
	facts := OSFacts{Arch: runtime.GOARCH}

	if data, err := os.ReadFile(c.path("/etc/os-release")); err == nil {
		release := ParseOSRelease(data)
		facts.Name = release["NAME"]
		facts.Version = release["VERSION"]
		facts.ID = release["ID"]
	}

	if data, err := os.ReadFile(c.path("/proc/sys/kernel/osrelease")); err == nil {
		facts.Kernel = strings.TrimSpace(string(data))
	}

	if data, err := os.ReadFile(c.path("/etc/hostname")); err == nil {
		facts.Hostname = strings.TrimSpace(string(data))
	}
	if facts.Hostname == "" {
		facts.Hostname, _ = os.Hostname()
	}

	return facts
}

// ParseOSRelease parses the KEY=value lines of an os-release file.
func ParseOSRelease(data []byte) map[string]string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[key] = strings.Trim(value, `"'`)
	}
	return values
}

// LocalInterfaces lists the interfaces of this machine.
func LocalInterfaces() ([]NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := NetworkInterface{
			Name:       iface.Name,
			IPv4:       []string{},
			IPv6:       []string{},
			MACAddress: iface.HardwareAddr.String(),
			Up:         iface.Flags&net.FlagUp != 0,
			IsLoopback: iface.Flags&net.FlagLoopback != 0,
		}

		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", iface.Name, err)
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				ni.IPv4 = append(ni.IPv4, ip4.String())
			} else {
				ni.IPv6 = append(ni.IPv6, ipnet.IP.String())
			}
		}
		out = append(out, ni)
	}
	return out, nil
}
