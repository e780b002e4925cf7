package moltgate

import (
	"encoding/json"
	"log"
	"sort"
)

// Hand-assembled Swagger 2.0 document for the setup API. The wrapper's
// surface is small and partly dynamic (onboarding parameters come from
// the config), so the document is built at runtime instead of generated.

type swaggerInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

type swaggerTag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type swaggerSchema struct {
	Type       string                   `json:"type,omitempty"`
	Properties map[string]swaggerSchema `json:"properties,omitempty"`
	Items      *swaggerSchema           `json:"items,omitempty"`
	Required   []string                 `json:"required,omitempty"`
}

type swaggerParam struct {
	Name        string         `json:"name"`
	In          string         `json:"in"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required"`
	Schema      *swaggerSchema `json:"schema,omitempty"`
}

type swaggerResponse struct {
	Description string         `json:"description"`
	Schema      *swaggerSchema `json:"schema,omitempty"`
}

type swaggerOperation struct {
	Summary     string                     `json:"summary"`
	Description string                     `json:"description,omitempty"`
	Tags        []string                   `json:"tags,omitempty"`
	Produces    []string                   `json:"produces,omitempty"`
	Parameters  []swaggerParam             `json:"parameters,omitempty"`
	Responses   map[string]swaggerResponse `json:"responses"`
}

type swaggerPathItem struct {
	Get  *swaggerOperation `json:"get,omitempty"`
	Post *swaggerOperation `json:"post,omitempty"`
}

type swaggerSpec struct {
	Swagger  string                     `json:"swagger"`
	Info     swaggerInfo                `json:"info"`
	BasePath string                     `json:"basePath"`
	Tags     []swaggerTag               `json:"tags,omitempty"`
	Paths    map[string]swaggerPathItem `json:"paths"`
}

// onboardBodySchema turns the configured onboarding parameters into a
// request-body schema, required parameters sorted first.
func onboardBodySchema(specs map[string]*ParamSpec) *swaggerSchema {
	props := map[string]swaggerSchema{"params": {
		Type:       "object",
		Properties: make(map[string]swaggerSchema, len(specs)),
	}}
	var required []string
	inner := props["params"]
	for name, spec := range specs {
		inner.Properties[name] = swaggerSchema{Type: "string"}
		if spec == nil || spec.Default == nil {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	inner.Required = required
	props["params"] = inner
	return &swaggerSchema{Type: "object", Properties: props}
}

func okJSON(desc string) map[string]swaggerResponse {
	return map[string]swaggerResponse{"200": {Description: desc}}
}

// BuildOpenAPISpec renders the Swagger document for this instance.
func BuildOpenAPISpec(version string, cfg *Config) []byte {
	spec := swaggerSpec{
		Swagger: "2.0",
		Info: swaggerInfo{
			Title:       "moltgate setup API",
			Description: "Password-gated lifecycle API of the moltgate deployment wrapper.",
			Version:     version,
		},
		BasePath: "/",
		Tags: []swaggerTag{
			{Name: "setup", Description: "Setup wizard operations"},
			{Name: "ops", Description: "Health and internals"},
		},
		Paths: map[string]swaggerPathItem{
			"/setup/api/status": {Get: &swaggerOperation{
				Summary:   "Deployment status",
				Tags:      []string{"setup"},
				Produces:  []string{"application/json"},
				Responses: okJSON("configured flag, backend reachability, process state, version"),
			}},
			"/setup/api/run": {Post: &swaggerOperation{
				Summary:     "Run onboarding",
				Description: "Invokes the gateway CLI onboarding command with the supplied parameters, syncs the produced config to the bucket and starts the gateway.",
				Tags:        []string{"setup"},
				Produces:    []string{"application/json"},
				Parameters: []swaggerParam{{
					Name:     "body",
					In:       "body",
					Required: true,
					Schema:   onboardBodySchema(cfg.Onboard.Parameters),
				}},
				Responses: map[string]swaggerResponse{
					"200": {Description: "onboarding outcome"},
					"400": {Description: "invalid parameters"},
					"409": {Description: "onboarding already in progress"},
					"502": {Description: "onboarding command failed"},
				},
			}},
			"/setup/api/reset": {Post: &swaggerOperation{
				Summary:     "Reset configuration",
				Description: "Stops the gateway and deletes the config file locally and from the bucket.",
				Tags:        []string{"setup"},
				Produces:    []string{"application/json"},
				Responses:   okJSON("reset outcome"),
			}},
			"/setup/api/pairing/approve": {Post: &swaggerOperation{
				Summary:  "Approve a pairing code",
				Tags:     []string{"setup"},
				Produces: []string{"application/json"},
				Parameters: []swaggerParam{{
					Name:     "body",
					In:       "body",
					Required: true,
					Schema: &swaggerSchema{
						Type: "object",
						Properties: map[string]swaggerSchema{
							"channel": {Type: "string"},
							"code":    {Type: "string"},
						},
						Required: []string{"channel", "code"},
					},
				}},
				Responses: okJSON("approval outcome and CLI output"),
			}},
			"/setup/api/export": {Get: &swaggerOperation{
				Summary:     "Export gateway state",
				Description: "Streams a tar.gz archive of the state and workspace directories.",
				Tags:        []string{"setup"},
				Produces:    []string{"application/gzip"},
				Responses:   okJSON("tar.gz archive"),
			}},
			"/setup/api/journal": {Get: &swaggerOperation{
				Summary:   "Recent lifecycle events",
				Tags:      []string{"setup"},
				Produces:  []string{"application/json"},
				Responses: okJSON("journal entries, newest first"),
			}},
			"/setup/api/events": {Get: &swaggerOperation{
				Summary:     "Live event stream",
				Description: "Upgrades to a WebSocket that carries state, output and sync events.",
				Tags:        []string{"setup"},
				Responses:   map[string]swaggerResponse{"101": {Description: "switching protocols"}},
			}},
			"/health": {Get: &swaggerOperation{
				Summary:   "Liveness and configuration summary",
				Tags:      []string{"ops"},
				Produces:  []string{"application/json"},
				Responses: okJSON("configured / processRunning / tokenPrefix"),
			}},
			"/internal/token": {Get: &swaggerOperation{
				Summary:     "Resolved gateway token",
				Description: "For sibling services only; guarded by the X-Moltgate-Internal header.",
				Tags:        []string{"ops"},
				Produces:    []string{"application/json"},
				Responses: map[string]swaggerResponse{
					"200": {Description: "resolved token"},
					"403": {Description: "missing or wrong internal secret"},
				},
			}},
			"/internal/metrics": {Get: &swaggerOperation{
				Summary:   "Counters snapshot",
				Tags:      []string{"ops"},
				Produces:  []string{"application/json"},
				Responses: okJSON("metrics snapshot"),
			}},
			"/internal/journal": {Get: &swaggerOperation{
				Summary:   "Recent lifecycle events, without setup auth",
				Tags:      []string{"ops"},
				Produces:  []string{"application/json"},
				Responses: okJSON("journal entries, newest first"),
			}},
		},
	}

	data, err := json.MarshalIndent(spec, "", "    ")
	if err != nil {
		// Should be impossible for this static shape.
		log.Printf("openapi: failed to marshal spec: %v", err)
		return []byte(`{"swagger":"2.0","info":{"title":"moltgate setup API","version":"` + version + `"},"paths":{}}`)
	}
	return data
}
