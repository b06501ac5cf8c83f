package strutils

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Amund211/applause/internal/domain"
)

// Resolve a possibly relative, possibly fragment-suffixed URL against base and drop the fragment
//
// Returns domain.ErrInvalidResourceIdentifier for input that does not resolve to an absolute http(s) URL
func NormalizeResourceURL(raw, base string) (domain.ResourceKey, error) {
	raw = strings.TrimSpace(raw)
	base = strings.TrimSpace(base)

	if raw == "" && base == "" {
		return "", fmt.Errorf("%w: empty url and no base", domain.ErrInvalidResourceIdentifier)
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: failed to parse url '%s': %w", domain.ErrInvalidResourceIdentifier, raw, err)
	}

	// Resolving cleans dot segments, also when there is no base
	resolved := (&url.URL{}).ResolveReference(ref)
	if base != "" {
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("%w: failed to parse base '%s': %w", domain.ErrInvalidResourceIdentifier, base, err)
		}
		if !baseURL.IsAbs() {
			return "", fmt.Errorf("%w: base '%s' is not absolute", domain.ErrInvalidResourceIdentifier, base)
		}
		resolved = baseURL.ResolveReference(ref)
	}

	if !resolved.IsAbs() || resolved.Host == "" {
		return "", fmt.Errorf("%w: '%s' does not resolve to an absolute url", domain.ErrInvalidResourceIdentifier, raw)
	}

	resolved.Scheme = strings.ToLower(resolved.Scheme)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme '%s'", domain.ErrInvalidResourceIdentifier, resolved.Scheme)
	}

	resolved.Host = strings.ToLower(resolved.Host)
	resolved.Fragment = ""
	resolved.RawFragment = ""
	if resolved.Path == "" && resolved.RawPath == "" {
		resolved.Path = "/"
	}

	return domain.ResourceKey(resolved.String()), nil
}

func ResourceURLIsNormalized(key domain.ResourceKey) bool {
	normalized, err := NormalizeResourceURL(string(key), "")
	if err != nil {
		return false
	}
	return normalized == key
}
