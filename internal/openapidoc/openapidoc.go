// Package openapidoc serves the gateway's two static documentation
// routes (spec §6): `/doc.yaml`, a minimal self-generated OpenAPI 3.0
// document (paths and methods only — no request/response schema
// inference), and `/doc`, a small static HTML page pointing a
// browser-based viewer at it. Generating a rich OpenAPI document from
// SQL templates and request-field validators is an excluded external
// collaborator; this package only satisfies the two required routes.
package openapidoc

import (
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"flapi/internal/config"
)

// Spec builds a minimal OpenAPI 3.0 document: one path entry per REST
// URL path, holding each endpoint's effective HTTP method (endpoints
// sharing a path share the entry), and — when caching is enabled —
// the paired DELETE invalidation route. No schema is inferred for
// request bodies or response shapes; an operator wanting those can
// layer a real generator in front of SQL templates this package has no
// visibility into.
func Spec(cfg *config.Config, endpoints []*config.EndpointConfig) map[string]any {
	title := cfg.Project.Name
	if title == "" {
		title = "flAPI"
	}

	paths := make(map[string]any)
	for _, ep := range endpoints {
		if ep.GetType() != config.KindREST {
			continue
		}
		item, _ := paths[ep.URLPath].(map[string]any)
		if item == nil {
			item = make(map[string]any)
		}
		for method, op := range pathItem(ep) {
			item[method] = op
		}
		paths[ep.URLPath] = item
	}

	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       title,
			"description": cfg.Project.Description,
			"version":     "1.0.0",
		},
		"servers": []map[string]any{
			{"url": "/"},
		},
		"paths": paths,
	}
}

func pathItem(ep *config.EndpointConfig) map[string]any {
	item := make(map[string]any)
	method := strings.ToLower(ep.EffectiveMethod())
	item[method] = operation(ep, fmt.Sprintf("%s %s", strings.ToUpper(method), ep.URLPath))

	if ep.Cache.Enabled {
		item["delete"] = operation(ep, fmt.Sprintf("invalidate the materialized cache for %s", ep.URLPath))
	}
	return item
}

func operation(ep *config.EndpointConfig, summary string) map[string]any {
	params := make([]map[string]any, 0, len(ep.Request))
	for _, f := range ep.Request {
		params = append(params, map[string]any{
			"name":        f.Name,
			"in":          requestFieldLocation(f.In),
			"required":    f.Required,
			"description": f.Description,
			"schema":      map[string]any{"type": "string"},
		})
	}

	return map[string]any{
		"summary":    summary,
		"parameters": params,
		"responses": map[string]any{
			"200": map[string]any{"description": "success"},
			"400": map[string]any{"description": "validation error"},
			"401": map[string]any{"description": "missing or invalid credentials"},
			"429": map[string]any{"description": "rate limit exceeded"},
			"500": map[string]any{"description": "engine or serialization error"},
		},
	}
}

// requestFieldLocation maps a request field's configured location to
// the OpenAPI `in` enum, defaulting to "query" for anything else; body
// fields have no OpenAPI `parameter` representation and are therefore
// listed as query parameters.
func requestFieldLocation(in string) string {
	switch in {
	case "path", "header":
		return in
	default:
		return "query"
	}
}

// RenderYAML marshals spec as YAML, the `/doc.yaml` response body.
func RenderYAML(spec map[string]any) ([]byte, error) {
	return yaml.Marshal(spec)
}

const docPageTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>%s API documentation</title>
</head>
<body>
  <h1>%s</h1>
  <p>%s</p>
  <p>OpenAPI document: <a href="/doc.yaml">/doc.yaml</a></p>
</body>
</html>
`

// RenderHTML builds the static `/doc` page body.
func RenderHTML(cfg *config.Config) []byte {
	title := cfg.Project.Name
	if title == "" {
		title = "flAPI"
	}
	return []byte(fmt.Sprintf(docPageTemplate, title, title, cfg.Project.Description))
}

// Handler serves both documentation routes behind one http.Handler,
// dispatching on path suffix.
func Handler(cfg *config.Config, endpoints []*config.EndpointConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".yaml") {
			body, err := RenderYAML(Spec(cfg, endpoints))
			if err != nil {
				http.Error(w, "failed to render OpenAPI document", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			w.Write(body)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(RenderHTML(cfg))
	}
}
