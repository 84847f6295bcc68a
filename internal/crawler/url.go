package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPageParam is the query parameter carrying the page number.
const DefaultPageParam = "page"

// PageURL returns base with the page parameter set to page. Other query
// parameters are preserved and the fragment is dropped.
func PageURL(base, param string, page int) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", base)
	}
	if param == "" {
		param = DefaultPageParam
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
