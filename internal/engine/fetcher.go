package engine

import (
	"context"
	"fmt"

	"github.com/armorclaw/syncengine/internal/apiclient"
	"github.com/armorclaw/syncengine/internal/reconciler"
	"github.com/armorclaw/syncengine/internal/router"
	"github.com/armorclaw/syncengine/pkg/errors"
)

// apiFetcher adapts apiclient.Client into reconciler.Fetcher by dispatching
// a GET route registered per entityType. Fetch is only ever called while
// resolving a 409, never on the hot path.
type apiFetcher struct {
	client *apiclient.Client
	router *router.Router
}

func newAPIFetcher(client *apiclient.Client, r *router.Router) *apiFetcher {
	return &apiFetcher{client: client, router: r}
}

// NewAPIFetcher exposes the reference Fetcher so cmd/syncengine can wire
// a Reconciler without duplicating the GET-route adaptation.
func NewAPIFetcher(client *apiclient.Client, r *router.Router) reconciler.Fetcher {
	return newAPIFetcher(client, r)
}

func (f *apiFetcher) Fetch(ctx context.Context, entityType, entityID string) (map[string]any, bool, error) {
	route, err := f.router.Resolve("GET", entityType, nil)
	if err != nil {
		return nil, false, fmt.Errorf("reconciler fetch: %w", err)
	}

	resp := f.client.Dispatch(ctx, route, entityID, "", nil)
	if resp.Err == nil {
		return resp.Body, true, nil
	}
	if resp.Err.Kind == errors.KindNotFound {
		return nil, false, nil
	}
	return nil, false, resp.Err
}
