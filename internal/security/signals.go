package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
)

// DefaultSignals returns the signals used when none are configured
func DefaultSignals() []Signal {
	return []Signal{
		MachineIDSignal(),
		&MACSignal{},
		SignalFunc("hostname", collectHostname),
		SignalFunc("cpu", collectCPUID),
		SignalFunc("platform", func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}),
	}
}

type funcSignal struct {
	name string
	fn   func(context.Context) (string, error)
}

func (s funcSignal) Name() string { return s.name }

func (s funcSignal) Collect(ctx context.Context) (string, error) { return s.fn(ctx) }

// SignalFunc adapts a function into a Signal
func SignalFunc(name string, fn func(context.Context) (string, error)) Signal {
	return funcSignal{name: name, fn: fn}
}

// FileSignal reads the first non-empty file among paths, falling back to
// the concatenation of the given environment variables
type FileSignal struct {
	SignalName string
	Paths      []string
	EnvVars    []string
}

// Name implements Signal
func (s *FileSignal) Name() string { return s.SignalName }

// Collect implements Signal
func (s *FileSignal) Collect(ctx context.Context) (string, error) {
	for _, p := range s.Paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		v := strings.TrimSpace(string(b))
		if v != "" && v != "None" {
			return strings.ToLower(v), nil
		}
	}

	var parts []string
	for _, name := range s.EnvVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) > 0 {
		return strings.ToLower(strings.Join(parts, "/")), nil
	}

	return "", fmt.Errorf("no %s source available", s.SignalName)
}

// MachineIDSignal returns the OS machine identity signal
func MachineIDSignal() *FileSignal {
	return &FileSignal{
		SignalName: "machine_id",
		Paths: []string{
			"/etc/machine-id",
			"/var/lib/dbus/machine-id",
			"/sys/class/dmi/id/product_uuid",
			"/sys/class/dmi/id/board_serial",
			"/sys/devices/virtual/dmi/id/product_uuid",
		},
		EnvVars: []string{"COMPUTERNAME", "PROCESSOR_IDENTIFIER"},
	}
}

// virtualInterfacePrefixes name interfaces created by container runtimes,
// hypervisors and VPN clients
var virtualInterfacePrefixes = []string{"veth", "docker", "br-", "virbr", "tun", "tap"}

// MACSignal reports the MAC address of the primary physical interface.
// Among interfaces that are up, not loopback, not virtual and carry a
// globally administered address, the lowest-named one wins.
type MACSignal struct {
	// Interfaces lists network interfaces, net.Interfaces when nil
	Interfaces func() ([]net.Interface, error)
}

// Name implements Signal
func (s *MACSignal) Name() string { return "mac_address" }

// Collect implements Signal
func (s *MACSignal) Collect(context.Context) (string, error) {
	list := s.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	interfaces, err := list()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var primary *net.Interface
	for i := range interfaces {
		iface := &interfaces[i]
		if !isPhysicalInterface(iface) {
			continue
		}
		if primary == nil || iface.Name < primary.Name {
			primary = iface
		}
	}
	if primary == nil {
		return "", errors.New("no valid MAC address found")
	}

	return strings.ToLower(primary.HardwareAddr.String()), nil
}

func isPhysicalInterface(iface *net.Interface) bool {
	if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
		return false
	}
	mac := iface.HardwareAddr
	if len(mac) == 0 || isZero(mac) {
		return false
	}
	// Locally administered bit
	if mac[0]&0x02 != 0 {
		return false
	}
	name := strings.ToLower(iface.Name)
	for _, prefix := range virtualInterfacePrefixes {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return true
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func collectHostname(context.Context) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", errors.New("hostname is empty")
	}
	return hostname, nil
}

func collectCPUID(context.Context) (string, error) {
	var raw string
	switch runtime.GOOS {
	case "windows":
		raw = os.Getenv("PROCESSOR_IDENTIFIER")
		if raw == "" {
			raw = "windows-" + runtime.GOARCH + "-" + os.Getenv("PROCESSOR_ARCHITECTURE")
		}
	case "linux":
		raw = linuxCPUModel()
		if raw == "" {
			raw = "linux-" + runtime.GOARCH
		}
	case "darwin":
		raw = "darwin-" + runtime.GOARCH
		if procType := os.Getenv("HOSTTYPE"); procType != "" {
			raw += "-" + procType
		}
	default:
		raw = runtime.GOOS + "-" + runtime.GOARCH
	}

	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:8]), nil
}

func linuxCPUModel() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu model") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
