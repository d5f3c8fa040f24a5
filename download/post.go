package download

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/caravel-data/caravel/bag"
	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/internal/httpclient"
	"github.com/caravel-data/caravel/logger"
)

// urlRewritePostProcessor points each output's remote path at a secondary
// service that consumes it. The remote_path pattern renders against the
// environment extended, per output, with:
//
//	output                  the output's artifact-relative path
//	output_url              service_url + "/" + output
//	<key>_urlencoded        variants of every key, as usual
type urlRewritePostProcessor struct {
	rt      *Runtime
	pattern string
}

func newURLRewritePostProcessor(rt *Runtime, params Params) (Processor, error) {
	pattern, err := params.RequiredString("url_rewrite", "remote_path")
	if err != nil {
		return nil, err
	}
	return &urlRewritePostProcessor{rt: rt, pattern: pattern}, nil
}

func (p *urlRewritePostProcessor) Process(ctx context.Context) (Outputs, error) {
	serviceURL := p.rt.Env["service_url"]
	for rel, out := range p.rt.Outputs {
		rewritten, err := p.rt.Env.RenderWith(p.pattern, map[string]string{
			"output":     rel,
			"output_url": serviceURL + "/" + rel,
		})
		if err != nil {
			return nil, errors.Mark(err, errors.ErrPostProcess)
		}
		out.RemotePaths = []string{rewritten}
		p.rt.Log.Debugw("output remote path rewritten",
			logger.FieldProcessor, "url_rewrite", logger.FieldFile, rel, logger.FieldURL, rewritten)
	}
	return Outputs{}, nil
}

// identifierPostProcessor registers a persistent identifier for every output
// with an identifier service. Each output must already have at least one
// remote location, either from an earlier upload or rewrite post processor
// or from the locations parameter.
type identifierPostProcessor struct {
	rt *Runtime

	serviceURL string
	namespace  string
	title      string
	author     string
	visibleTo  []string
	locations  []string
	// envColumnMap renders extra metadata values from the environment.
	envColumnMap map[string]any
	redirectBase string

	client *http.Client
}

const defaultIdentifierNamespace = "minid"

func newIdentifierPostProcessor(rt *Runtime, params Params) (Processor, error) {
	serviceURL, err := params.RequiredString("identifier", "service_url")
	if err != nil {
		return nil, err
	}
	namespace, _ := params.String("namespace")
	if namespace == "" {
		namespace = defaultIdentifierNamespace
	}
	title, _ := params.String("title")
	author, _ := params.String("author")
	redirectBase, _ := params.String("redirect_base")
	visibleTo := params.StringSlice("visible_to")
	if len(visibleTo) == 0 {
		visibleTo = []string{"public"}
	}
	return &identifierPostProcessor{
		rt:           rt,
		serviceURL:   strings.TrimRight(serviceURL, "/"),
		namespace:    namespace,
		title:        title,
		author:       author,
		visibleTo:    visibleTo,
		locations:    params.StringSlice("locations"),
		envColumnMap: params.Map("env_column_map"),
		redirectBase: redirectBase,
		client:       httpclient.Default(),
	}, nil
}

type identifierRequest struct {
	Namespace string             `json:"namespace"`
	VisibleTo []string           `json:"visible_to"`
	Location  []string           `json:"location"`
	Checksums []identifierDigest `json:"checksums"`
	Metadata  map[string]any     `json:"metadata"`
}

type identifierDigest struct {
	Function string `json:"function"`
	Value    string `json:"value"`
}

func (p *identifierPostProcessor) Process(ctx context.Context) (Outputs, error) {
	for rel, out := range p.rt.Outputs {
		if err := fillDigests(out); err != nil {
			return nil, errors.Mark(err, errors.ErrPostProcess)
		}
		locations := out.RemotePaths
		if len(locations) == 0 {
			locations = p.locations
		}
		if len(locations) == 0 {
			return nil, errors.Mark(
				errors.Newf("no remote location known for %s; cannot register an identifier", rel),
				errors.ErrConfiguration)
		}

		title := p.title
		if title == "" {
			title = rel
		}
		metadata := map[string]any{"title": title, "length": out.Size}
		if p.author != "" {
			metadata["author"] = p.author
		}
		for key, tmpl := range p.envColumnMap {
			s, ok := tmpl.(string)
			if !ok {
				continue
			}
			rendered, err := p.rt.Env.Render(s)
			if err != nil {
				return nil, errors.Mark(err, errors.ErrPostProcess)
			}
			metadata[key] = rendered
		}

		id, err := p.mint(ctx, identifierRequest{
			Namespace: p.namespace,
			VisibleTo: p.visibleTo,
			Location:  locations,
			Checksums: []identifierDigest{{Function: "sha256", Value: out.SHA256}},
			Metadata:  metadata,
		})
		if err != nil {
			return nil, err
		}
		out.Identifier = id
		out.IdentifierLandingPage = p.redirectBase + p.serviceURL + "/" + id
		p.rt.Log.Infow("identifier registered",
			logger.FieldProcessor, "identifier", logger.FieldFile, rel, "identifier", id)
	}
	return Outputs{}, nil
}

func (p *identifierPostProcessor) mint(ctx context.Context, reqBody identifierRequest) (string, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.serviceURL+"/identifier", bytes.NewReader(payload))
	if err != nil {
		return "", errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := p.rt.Env["identifier_token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "identifier service request failed"), errors.ErrPostProcess)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Mark(errors.WithStack(err), errors.ErrPostProcess)
	}
	if resp.StatusCode >= 400 {
		return "", errors.Mark(
			errors.Newf("identifier service returned %d: %s", resp.StatusCode, string(body)),
			errors.ErrPostProcess)
	}
	var result struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Identifier == "" {
		return "", errors.Mark(
			errors.Newf("identifier service returned an unusable response: %s", string(body)),
			errors.ErrPostProcess)
	}
	return result.Identifier, nil
}

// fillDigests computes any digests an output is missing so post processors
// can rely on MD5 and SHA256 being present.
func fillDigests(out *OutputInfo) error {
	if out.MD5 != "" && out.SHA256 != "" {
		return nil
	}
	sums, _, err := bag.FileChecksums(out.LocalPath, []bag.Algorithm{bag.MD5, bag.SHA256})
	if err != nil {
		return err
	}
	if out.MD5 == "" {
		out.MD5 = sums[bag.MD5]
	}
	if out.SHA256 == "" {
		out.SHA256 = sums[bag.SHA256]
	}
	return nil
}
