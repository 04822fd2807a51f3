// pkg/planner/licenses.go - asking the admin's license server how many
// seats remain for seat-limited optional items.

package planner

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/logging"
)

// SeatChecker queries the LicenseInfoURL endpoint. The server answers with
// a plist dictionary mapping item names to remaining seat counts. Every
// failure fails open so a broken license server never hides items.
type SeatChecker struct {
	Fetcher *fetch.Fetcher
	URL     string
}

// SeatsAvailable reports whether a license seat remains for name.
func (s *SeatChecker) SeatsAvailable(ctx context.Context, name string) bool {
	tmp, err := os.MkdirTemp("", "seatinfo")
	if err != nil {
		return true
	}
	defer os.RemoveAll(tmp)
	dest := filepath.Join(tmp, "license_info.plist")

	query := s.URL
	if strings.Contains(query, "?") {
		query += "&"
	} else {
		query += "?"
	}
	query += "name=" + url.QueryEscape(name)

	if _, err := s.Fetcher.Fetch(ctx, query, dest, fetch.Options{}); err != nil {
		logging.Warn("License server unavailable", "url", s.URL, "error", err)
		return true
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		return true
	}
	var seats map[string]int
	if _, err := plist.Unmarshal(data, &seats); err != nil {
		logging.Warn("License seat info unreadable", "error", err)
		return true
	}
	remaining, ok := seats[name]
	if !ok {
		return true
	}
	return remaining > 0
}
