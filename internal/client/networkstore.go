package client

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
)

// NetworkFormat is the export format requested from the network store.
const NetworkFormat = "XIIDM"

// NetworkStoreClient exports network snapshots.
type NetworkStoreClient struct {
	rest *restClient
}

func NewNetworkStoreClient(baseURI string, opts Options) *NetworkStoreClient {
	return &NetworkStoreClient{rest: newRestClient("network-store", baseURI, opts)}
}

// Export streams the network variant to w and returns the bytes written.
func (c *NetworkStoreClient) Export(ctx context.Context, networkUUID uuid.UUID, variantID string, w io.Writer) (int64, error) {
	query := url.Values{}
	if variantID != "" {
		query.Set("variantId", variantID)
	}
	id := networkUUID.String()
	resp, err := c.rest.do(ctx, request{
		op:       "networkStore.export",
		method:   http.MethodGet,
		endpoint: "networks/" + id + "/export/" + NetworkFormat,
		query:    query,
		notFound: func(string) error {
			return apperrors.NotFound("network", id)
		},
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, apperrors.UpstreamFetch("networkStore.export", "read network export: "+err.Error())
	}
	return n, nil
}
