package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Component names used in fallback derivation and audit output.
const (
	ComponentNetwork = "network"
	ComponentCPU     = "cpu"
	ComponentBoard   = "board"
)

// MatchThreshold is the number of fingerprint components that must agree
// positionally for two fingerprints to identify the same machine. With three
// components, a threshold of two tolerates one hardware change (a swapped
// network card, a replaced board) without treating the machine as new.
// The threshold is a fixed property of the matching algorithm and is
// deliberately not configurable.
const MatchThreshold = 2

// defaultCacheTTL bounds how long a generated fingerprint is reused before
// hardware is probed again.
const defaultCacheTTL = 1 * time.Hour

// Fingerprint identifies a machine by three independent hardware components.
// Each component is the hex SHA-256 of the probed value, never the raw
// identifier, so stored fingerprints reveal nothing about the hardware.
type Fingerprint struct {
	Network     string    `json:"network"`
	CPU         string    `json:"cpu"`
	Board       string    `json:"board"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Components returns the three hashes in canonical order: network, cpu, board.
func (fp Fingerprint) Components() [3]string {
	return [3]string{fp.Network, fp.CPU, fp.Board}
}

// MatchCount reports how many components agree positionally with other.
// Empty components never match, even against each other.
func (fp Fingerprint) MatchCount(other Fingerprint) int {
	a, b := fp.Components(), other.Components()
	count := 0
	for i := range a {
		if a[i] != "" && a[i] == b[i] {
			count++
		}
	}
	return count
}

// Matches reports whether at least MatchThreshold components agree with other.
func (fp Fingerprint) Matches(other Fingerprint) bool {
	return fp.MatchCount(other) >= MatchThreshold
}

// IsZero reports whether no component has been populated.
func (fp Fingerprint) IsZero() bool {
	return fp.Network == "" && fp.CPU == "" && fp.Board == ""
}

// Fingerprinter probes hardware identifiers and caches the result. Probing
// cannot fail: every component degrades to a hostname-derived fallback, so a
// headless VM with no stable hardware identity still produces a usable
// fingerprint.
type Fingerprinter struct {
	mu     sync.RWMutex
	cached Fingerprint
	expiry time.Time
	ttl    time.Duration

	logger *slog.Logger
}

// NewFingerprinter creates a fingerprinter with the given cache TTL.
// A non-positive ttl selects the default of one hour.
func NewFingerprinter(ttl time.Duration, logger *slog.Logger) *Fingerprinter {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fingerprinter{
		ttl:    ttl,
		logger: logger.With(slog.String("component", "fingerprinter")),
	}
}

// Current returns the machine fingerprint, probing hardware only when the
// cached value has expired.
func (f *Fingerprinter) Current() Fingerprint {
	f.mu.RLock()
	if !f.cached.IsZero() && time.Now().Before(f.expiry) {
		fp := f.cached
		f.mu.RUnlock()
		return fp
	}
	f.mu.RUnlock()

	start := time.Now()
	fp := f.probe()

	f.mu.Lock()
	f.cached = fp
	f.expiry = time.Now().Add(f.ttl)
	f.mu.Unlock()

	f.logger.Debug("hardware fingerprint generated",
		slog.String("network", fp.Network[:12]),
		slog.String("cpu", fp.CPU[:12]),
		slog.String("board", fp.Board[:12]),
		slog.Duration("probe_time", time.Since(start)),
	)
	return fp
}

// ClearCache forces the next Current call to probe hardware again.
func (f *Fingerprinter) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = Fingerprint{}
	f.expiry = time.Time{}
}

func (f *Fingerprinter) probe() Fingerprint {
	host := hostname()
	return Fingerprint{
		Network:     hashComponent(f.probeNetwork(host)),
		CPU:         hashComponent(f.probeCPU(host)),
		Board:       hashComponent(f.probeBoard(host)),
		GeneratedAt: time.Now(),
	}
}

// probeNetwork returns the MAC address of the first up, non-loopback
// interface. Interfaces that are down are considered before falling back to
// the hostname recipe, so a laptop with wifi off keeps its identity.
func (f *Fingerprinter) probeNetwork(host string) string {
	interfaces, err := net.Interfaces()
	if err != nil {
		f.logger.Warn("network interface enumeration failed, using fallback",
			slog.String("error", err.Error()))
		return fallbackComponent(ComponentNetwork, host)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := usableMAC(iface.HardwareAddr); mac != "" {
			return mac
		}
	}

	// Any interface with a MAC, up or not.
	for _, iface := range interfaces {
		if mac := usableMAC(iface.HardwareAddr); mac != "" {
			f.logger.Warn("no active interface with MAC, using inactive interface",
				slog.String("interface", iface.Name))
			return mac
		}
	}

	f.logger.Warn("no interface exposes a MAC address, using fallback")
	return fallbackComponent(ComponentNetwork, host)
}

func usableMAC(addr net.HardwareAddr) string {
	if len(addr) == 0 {
		return ""
	}
	mac := addr.String()
	if mac == "" || mac == "00:00:00:00:00:00" {
		return ""
	}
	return mac
}

// probeCPU returns a processor identifier appropriate for the platform.
func (f *Fingerprinter) probeCPU(host string) string {
	switch runtime.GOOS {
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return procID
		}
	case "linux":
		if line := firstCPUInfoLine(); line != "" {
			return line
		}
	case "darwin":
		id := fmt.Sprintf("darwin-%s", runtime.GOARCH)
		if hostType := os.Getenv("HOSTTYPE"); hostType != "" {
			id = fmt.Sprintf("%s-%s", id, hostType)
		}
		return id
	}

	f.logger.Warn("no processor identifier available, using fallback",
		slog.String("os", runtime.GOOS),
		slog.String("arch", runtime.GOARCH))
	return fallbackComponent(ComponentCPU, host)
}

// firstCPUInfoLine returns the first stable identifying line from
// /proc/cpuinfo. Core counts vary with hotplug so the processor index lines
// are skipped in favor of model identity.
func firstCPUInfoLine() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") ||
			strings.HasPrefix(line, "cpu family") ||
			strings.HasPrefix(line, "vendor_id") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// probeBoard returns a motherboard or installation identifier. Linux exposes
// the DMI product UUID when running with sufficient privileges and the
// systemd machine ID otherwise. Other platforms have no identifier readable
// without elevated syscalls, so they use the hostname fallback.
func (f *Fingerprinter) probeBoard(host string) string {
	if runtime.GOOS == "linux" {
		for _, path := range []string{"/sys/class/dmi/id/product_uuid", "/etc/machine-id"} {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return fallbackComponent(ComponentBoard, host)
}

// hostname returns the normalized machine hostname, or a fixed placeholder
// when the hostname cannot be read. Fallback components stay deterministic
// either way.
func hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "unknown-host"
	}
	return host
}

// fallbackComponent derives a deterministic stand-in value for a component
// that could not be probed. Seeding with the component name keeps the three
// fallbacks distinct on the same host.
func fallbackComponent(component, host string) string {
	return fmt.Sprintf("mwb-%s-fallback|%s", component, host)
}

// hashComponent converts a raw probed value into its stored form.
func hashComponent(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
