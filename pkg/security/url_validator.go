package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// NetworkAccessValidator decides whether code running inside the sandbox may
// reach a given host and port. It combines a fixed allowlist of known-safe
// hosts/ports with the per-execution AllowedHosts supplied on the execution
// context (spec ExecuteCode's allowed_hosts parameter), and always applies
// SSRF-style IP-class checks regardless of either allowlist.
type NetworkAccessValidator struct {
	// AllowedHosts is the per-execution allowlist. A host is permitted if it
	// equals an entry, ends with "." plus an entry, or contains an entry as
	// a substring. Empty means only the default hosts below are reachable.
	AllowedHosts []string

	// AllowLocalhost allows connections to localhost/loopback addresses.
	AllowLocalhost bool

	// AllowPrivateNetworks allows connections to RFC1918 and link-local
	// ranges.
	AllowPrivateNetworks bool
}

// defaultAllowedHosts mirrors security.rs's is_host_allowed literal list:
// hosts reachable even with an empty per-execution allowlist.
var defaultAllowedHosts = []string{
	"api.openai.com",
	"api.anthropic.com",
	"api.cohere.ai",
	"httpbin.org",
}

// NewNetworkAccessValidator creates a validator with secure defaults: no
// localhost, no private networks, only the per-execution hosts plus the
// default API hosts are reachable.
func NewNetworkAccessValidator(allowedHosts []string) *NetworkAccessValidator {
	return &NetworkAccessValidator{
		AllowedHosts:         allowedHosts,
		AllowLocalhost:       false,
		AllowPrivateNetworks: false,
	}
}

// IsPortAllowed reports whether port is one of the ports code is permitted
// to connect to: 80, 443, or the 8000-8999 range used by local dev API
// mocks, matching security.rs's is_port_allowed.
func IsPortAllowed(port int) bool {
	return port == 80 || port == 443 || (port >= 8000 && port <= 8999)
}

// IsHostAllowed reports whether host is reachable under this validator's
// configuration, independent of IP-class checks.
func (v *NetworkAccessValidator) IsHostAllowed(host string) bool {
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	for _, allowed := range v.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) || strings.Contains(host, allowed) {
			return true
		}
	}
	for _, allowed := range defaultAllowedHosts {
		if strings.Contains(host, allowed) {
			return true
		}
	}
	return false
}

// ValidateURL parses rawURL and validates its scheme, host, and resolved
// IP addresses against this validator's policy. It denies anything that
// could reach an internal service via SSRF, then applies the host/port
// allowlist.
func (v *NetworkAccessValidator) ValidateURL(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: only http and https are allowed, got %s", parsedURL.Scheme)
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a valid hostname")
	}

	port := 80
	if parsedURL.Scheme == "https" {
		port = 443
	}
	if p := parsedURL.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return fmt.Errorf("invalid port %q: %w", p, err)
		}
	}
	if !IsPortAllowed(port) {
		return fmt.Errorf("port %d is not in the allowed range", port)
	}

	if !v.IsHostAllowed(hostname) {
		return fmt.Errorf("host %s is not in the allowed list", hostname)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return v.validateIPAddress(ip)
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("unable to resolve hostname %s: %w", hostname, err)
	}
	for _, ip := range ips {
		if err := v.validateIPAddress(ip); err != nil {
			return fmt.Errorf("hostname %s resolves to blocked IP: %w", hostname, err)
		}
	}

	return nil
}

// validateIPAddress checks if an IP address is safe to connect to.
func (v *NetworkAccessValidator) validateIPAddress(ip net.IP) error {
	if !v.AllowLocalhost && ip.IsLoopback() {
		return fmt.Errorf("localhost/loopback addresses are not allowed")
	}

	if !v.AllowPrivateNetworks {
		if ip.IsPrivate() {
			return fmt.Errorf("private network addresses are not allowed")
		}
		if ip.IsLinkLocalUnicast() {
			return fmt.Errorf("link-local addresses are not allowed")
		}
		if ip.IsMulticast() {
			return fmt.Errorf("multicast addresses are not allowed")
		}
		if ip.String() == "169.254.169.254" {
			return fmt.Errorf("cloud metadata endpoints are not allowed")
		}
	}

	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}

	return nil
}
