package identity

import (
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/driftsky/pdsmover/pkg/types"
)

var (
	didPattern = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]+$`)

	// Handle labels: 1-63 chars, alphanumeric with interior hyphens.
	handleLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// ValidateDID checks the did:<method>:<method-specific> shape.
func ValidateDID(did string) error {
	if !didPattern.MatchString(did) {
		return types.Errorf(types.ErrValidation, "identity.validate", "invalid DID %q", did)
	}
	return nil
}

// ValidateHandle checks ATProto handle rules: dotted labels of 1-63 chars,
// total length at most 253, at least two labels.
func ValidateHandle(handle string) error {
	if len(handle) == 0 || len(handle) > 253 {
		return types.Errorf(types.ErrValidation, "identity.validate",
			"handle %q has invalid length", handle)
	}

	labels := strings.Split(handle, ".")
	if len(labels) < 2 {
		return types.Errorf(types.ErrValidation, "identity.validate",
			"handle %q must contain at least one dot", handle)
	}
	for _, label := range labels {
		if !handleLabelPattern.MatchString(label) {
			return types.Errorf(types.ErrValidation, "identity.validate",
				"handle %q has invalid label %q", handle, label)
		}
	}
	return nil
}

// ValidateEmail checks basic address syntax.
func ValidateEmail(email string) error {
	if _, err := mail.ParseAddress(email); err != nil {
		return types.Errorf(types.ErrValidation, "identity.validate",
			"invalid email address %q", email)
	}
	return nil
}

// NormalizeHost turns a user-supplied PDS host into a canonical https://
// origin. Plain hostnames get the scheme added; any scheme other than https
// is rejected.
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSpace(strings.TrimSuffix(host, "/"))
	if host == "" {
		return "", types.Errorf(types.ErrValidation, "identity.normalize_host", "empty host")
	}

	if !strings.Contains(host, "://") {
		host = "https://" + host
	}

	u, err := url.Parse(host)
	if err != nil {
		return "", types.NewError(types.ErrValidation, "identity.normalize_host", err)
	}
	if u.Scheme != "https" {
		return "", types.Errorf(types.ErrValidation, "identity.normalize_host",
			"host %q must use https", host)
	}
	if u.Hostname() == "" || u.Path != "" || u.RawQuery != "" {
		return "", types.Errorf(types.ErrValidation, "identity.normalize_host",
			"host %q must be a bare origin", host)
	}
	return u.Scheme + "://" + u.Host, nil
}

// LookupFunc resolves a hostname to addresses. Injected in tests.
type LookupFunc func(host string) ([]net.IP, error)

// ValidatePublicHost rejects hosts that resolve to loopback, link-local, or
// private ranges. This is the SSRF guard applied at migration creation, so a
// stored host can be dialed later without re-checking.
func ValidatePublicHost(host string, lookup LookupFunc) error {
	normalized, err := NormalizeHost(host)
	if err != nil {
		return err
	}

	u, _ := url.Parse(normalized)
	hostname := u.Hostname()

	if ip := net.ParseIP(hostname); ip != nil {
		if disallowedIP(ip) {
			return types.Errorf(types.ErrValidation, "identity.validate_host",
				"host %q is in a disallowed address range", FormatOrigin(host))
		}
		return nil
	}

	if lookup == nil {
		lookup = net.LookupIP
	}
	ips, err := lookup(hostname)
	if err != nil {
		return types.Errorf(types.ErrValidation, "identity.validate_host",
			"host %q does not resolve: %v", FormatOrigin(host), err)
	}
	for _, ip := range ips {
		if disallowedIP(ip) {
			return types.Errorf(types.ErrValidation, "identity.validate_host",
				"host %q resolves to disallowed address %s", FormatOrigin(host), ip)
		}
	}
	return nil
}

func disallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// WorkdirName converts a DID into a filesystem-safe directory name for the
// migration's working directory.
func WorkdirName(did string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(did)
}

// FormatOrigin renders host for error messages without credentials or path.
// Accepts raw user input, so a missing scheme is tolerated.
func FormatOrigin(host string) string {
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		return host
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}
