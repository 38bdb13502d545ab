package client

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/report"
)

// ReportClient forwards execution reports to the report server.
type ReportClient struct {
	rest *restClient
}

func NewReportClient(baseURI string, opts Options) *ReportClient {
	return &ReportClient{rest: newRestClient("report", baseURI, opts)}
}

// SendReport stores root under reportUUID, replacing any previous content.
func (c *ReportClient) SendReport(ctx context.Context, reportUUID uuid.UUID, root *report.Node) error {
	body, err := json.Marshal(root)
	if err != nil {
		return apperrors.Internal("report.marshal", err)
	}
	resp, err := c.rest.do(ctx, request{
		op:          "report.send",
		method:      http.MethodPut,
		endpoint:    "reports/" + reportUUID.String(),
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
