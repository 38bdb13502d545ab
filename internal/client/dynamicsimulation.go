package client

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
)

// DynamicSimulationClient fetches the artifacts of a prior dynamic
// simulation run.
type DynamicSimulationClient struct {
	rest *restClient
}

func NewDynamicSimulationClient(baseURI string, opts Options) *DynamicSimulationClient {
	return &DynamicSimulationClient{rest: newRestClient("dynamic-simulation", baseURI, opts)}
}

// OutputState returns the gzip-compressed dump of the final simulation state.
func (c *DynamicSimulationClient) OutputState(ctx context.Context, resultUUID uuid.UUID) ([]byte, error) {
	return c.fetch(ctx, "dynamicSimulation.outputState", resultUUID, "output-state")
}

// DynamicModel returns the gzip-compressed JSON list of dynamic model
// declarations used by the run.
func (c *DynamicSimulationClient) DynamicModel(ctx context.Context, resultUUID uuid.UUID) ([]byte, error) {
	return c.fetch(ctx, "dynamicSimulation.dynamicModel", resultUUID, "dynamic-model")
}

// Parameters returns the gzip-compressed JSON simulation parameters of the run.
func (c *DynamicSimulationClient) Parameters(ctx context.Context, resultUUID uuid.UUID) ([]byte, error) {
	return c.fetch(ctx, "dynamicSimulation.parameters", resultUUID, "parameters")
}

func (c *DynamicSimulationClient) fetch(ctx context.Context, op string, resultUUID uuid.UUID, artifact string) ([]byte, error) {
	return c.rest.getBytes(ctx, request{
		op:       op,
		method:   http.MethodGet,
		endpoint: "results/" + resultUUID.String() + "/" + artifact,
		notFound: func(string) error {
			return apperrors.UpstreamResultNotFound("Dynamic simulation result not found")
		},
	})
}
