package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
)

const actionsContingencyExport = "contingency-lists/contingency-infos/export"

// ActionsClient resolves contingency lists against a network.
type ActionsClient struct {
	rest *restClient
}

func NewActionsClient(baseURI string, opts Options) *ActionsClient {
	return &ActionsClient{rest: newRestClient("actions", baseURI, opts)}
}

// GetContingencies exports the contingencies of the given lists for a
// network variant. An empty variant targets the initial variant.
func (c *ActionsClient) GetContingencies(ctx context.Context, listIDs []uuid.UUID, networkUUID uuid.UUID, variantID string) ([]domain.ContingencyInfos, error) {
	if len(listIDs) == 0 {
		return nil, apperrors.ContingencyListEmpty()
	}

	query := url.Values{}
	query.Set("networkUuid", networkUUID.String())
	if variantID != "" {
		query.Set("variantId", variantID)
	}
	for _, id := range listIDs {
		query.Add("ids", id.String())
	}

	var infos []domain.ContingencyInfos
	err := c.rest.getJSON(ctx, request{
		op:       "actions.getContingencies",
		method:   http.MethodGet,
		endpoint: actionsContingencyExport,
		query:    query,
		notFound: func(string) error {
			return apperrors.ContingenciesNotFound("Contingencies not found")
		},
	}, &infos)
	if err != nil {
		return nil, err
	}
	return infos, nil
}
