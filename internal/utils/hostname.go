package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ExtractHostFromURL returns the lower-cased host of a URL without its port.
// Local addresses (localhost or an IP) are replaced by the machine's hostname
// so lock names stay distinct between developer machines sharing a container.
func ExtractHostFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("host not found in url %q", rawURL)
	}

	if strings.ToLower(host) == "localhost" || isIPAddress(host) {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		host = hostname
	}

	return strings.ToLower(host), nil
}

// isIPAddress checks if a string is an IP address or part of one (like '127')
func isIPAddress(host string) bool {
	// Check if it's a full IP address
	if ip := net.ParseIP(host); ip != nil {
		return true
	}

	// Check if it's a partial IP (e.g. '127' from '127.0.0.1')
	if _, err := strconv.Atoi(host); err == nil {
		// It's a number, check if it's in valid IP octet range (0-255)
		if num, _ := strconv.Atoi(host); num >= 0 && num <= 255 {
			return true
		}
	}

	// Check if it has dots but isn't a full IP (e.g. '127.0')
	if strings.Contains(host, ".") {
		parts := strings.Split(host, ".")
		if len(parts) < 4 {
			// Check if all parts are valid IP octets
			valid := true
			for _, part := range parts {
				if part == "" {
					valid = false
					break
				}
				num, err := strconv.Atoi(part)
				if err != nil || num < 0 || num > 255 {
					valid = false
					break
				}
			}
			if valid {
				return true
			}
		}
	}

	return false
}
