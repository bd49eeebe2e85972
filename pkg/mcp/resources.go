package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/relay/pkg/models"
)

const resourceScheme = "mcp://jobs/"

func (s *Server) registerResources() {
	s.server.AddResourceTemplate(&mcpsdk.ResourceTemplate{
		URITemplate: "mcp://jobs/{jobId}/status",
		Name:        "job-status",
		Description: "Current status of a job",
		MIMEType:    "application/json",
	}, s.readResource)

	s.server.AddResourceTemplate(&mcpsdk.ResourceTemplate{
		URITemplate: "mcp://jobs/{jobId}/artifacts/{kind}",
		Name:        "job-artifact",
		Description: "Artifact produced by a job (patch.diff, out.md, logs.txt, pr.json)",
	}, s.readResource)
}

// readResource serves both resource templates; the URI path decides which.
func (s *Server) readResource(ctx context.Context, req *mcpsdk.ReadResourceRequest) (*mcpsdk.ReadResourceResult, error) {
	uri := req.Params.URI
	rest, ok := strings.CutPrefix(uri, resourceScheme)
	if !ok {
		return nil, fmt.Errorf("unsupported resource URI %q", uri)
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[1] == "status":
		return s.readJobStatus(ctx, uri, models.JobID(parts[0]))
	case len(parts) == 3 && parts[1] == "artifacts":
		return s.readJobArtifact(ctx, uri, models.JobID(parts[0]), parts[2])
	default:
		return nil, fmt.Errorf("unsupported resource URI %q", uri)
	}
}

func (s *Server) readJobStatus(ctx context.Context, uri string, jobID models.JobID) (*mcpsdk.ReadResourceResult, error) {
	status, err := s.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	return &mcpsdk.ReadResourceResult{
		Contents: []*mcpsdk.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

func (s *Server) readJobArtifact(ctx context.Context, uri string, jobID models.JobID, rawKind string) (*mcpsdk.ReadResourceResult, error) {
	kind := models.ArtifactKind(rawKind)
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind %q", rawKind)
	}
	if _, err := s.jobs.GetArtifact(ctx, jobID, kind); err != nil {
		return nil, err
	}
	data, err := s.artifacts.Read(jobID, kind)
	if err != nil {
		return nil, err
	}

	contents := &mcpsdk.ResourceContents{URI: uri, MIMEType: kind.MIMEType()}
	if strings.HasPrefix(contents.MIMEType, "text/") || contents.MIMEType == "application/json" {
		contents.Text = string(data)
	} else {
		contents.Blob = data
	}
	return &mcpsdk.ReadResourceResult{Contents: []*mcpsdk.ResourceContents{contents}}, nil
}
