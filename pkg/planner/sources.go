// pkg/planner/sources.go - repository-backed implementations of the
// planner's source interfaces.

package planner

import (
	"context"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/fetch"
)

// RepoCatalogs loads catalog databases from the repository.
type RepoCatalogs struct {
	Fetcher *fetch.Fetcher
	BaseURL string
	Dir     string
	Req     catalog.Requirements
}

func (r *RepoCatalogs) Load(ctx context.Context, names []string) (*catalog.DB, error) {
	return catalog.Load(ctx, r.Fetcher, r.BaseURL, r.Dir, names, r.Req)
}
