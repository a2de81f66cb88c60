package config

import (
	"fmt"
	"os"
	"strings"
)

// Validate structurally validates one endpoint against the root config.
// Errors cause the endpoint to be rejected (the file's previously loaded
// entry, if any, is left unchanged by the caller); warnings are
// collected but do not prevent the endpoint from loading.
func Validate(ep *EndpointConfig, cfg *Config) ([]Diagnostic, error) {
	var diags []Diagnostic
	file := ep.sourceFile

	if ep.URLPath != "" && !strings.HasPrefix(ep.URLPath, "/") {
		return diags, fmt.Errorf("url-path must start with '/': %q", ep.URLPath)
	}

	kind := ep.GetType()
	if kind == "" {
		return diags, fmt.Errorf("endpoint declares no url-path and no mcp-tool/mcp-resource/mcp-prompt capability")
	}

	if kind == KindMCPPrompt {
		if ep.MCPPrompt.Template == "" {
			return diags, fmt.Errorf("mcp-prompt requires a non-empty inline template")
		}
	} else {
		if ep.TemplateSource == "" {
			return diags, fmt.Errorf("template-source is required")
		}
	}

	for _, connName := range ep.Connection {
		found := false
		for _, known := range cfg.ConnectionNames() {
			if known == connName {
				found = true
				break
			}
		}
		if !found {
			return diags, fmt.Errorf("connection %q is not declared in the root config", connName)
		}
	}

	if len(ep.Connection) == 0 {
		diags = append(diags, Diagnostic{File: file, Severity: "warning", Message: "endpoint has no connections configured"})
	}

	if ep.TemplateSource != "" {
		if _, err := os.Stat(ep.TemplateSource); err != nil {
			diags = append(diags, Diagnostic{File: file, Severity: "warning", Message: fmt.Sprintf("template-source not found on disk: %s", ep.TemplateSource)})
		}
	}
	if ep.Cache.TemplateFile != "" {
		if _, err := os.Stat(ep.Cache.TemplateFile); err != nil {
			diags = append(diags, Diagnostic{File: file, Severity: "warning", Message: fmt.Sprintf("cache.template-file not found on disk: %s", ep.Cache.TemplateFile)})
		}
	}

	for i, v := range validatorsFor(ep) {
		if err := validateValidatorConfig(v); err != nil {
			return diags, fmt.Errorf("request[%d] validator %d: %w", i, i, err)
		}
	}

	return diags, nil
}

func validatorsFor(ep *EndpointConfig) []ValidatorConfig {
	var all []ValidatorConfig
	for _, f := range ep.Request {
		all = append(all, f.Validators...)
	}
	return all
}

func validateValidatorConfig(v ValidatorConfig) error {
	switch v.Type {
	case "int", "string", "enum", "date", "time":
		return nil
	default:
		return fmt.Errorf("unknown validator type %q", v.Type)
	}
}
