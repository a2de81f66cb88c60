// Package mcptool is the in-process registry backing the gateway's
// MCP capability data model (`mcp-tool`/`mcp-resource`/`mcp-prompt`
// endpoint blocks): list what's registered, describe one entry, and
// invoke it — rendering the same SQL template machinery the REST
// pipeline uses and returning the rendered result directly. It does
// not speak the MCP wire protocol (stdio/JSON-RPC transport); that
// adapter is a separate, explicitly out-of-scope concern. This is the
// capability surface a future adapter would sit in front of.
package mcptool

import (
	"context"
	"fmt"
	"os"

	"flapi/internal/apperror"
	"flapi/internal/config"
	"flapi/internal/engine"
	"flapi/internal/tmpl"
)

// ToolDescriptor is one registered mcp-tool capability.
type ToolDescriptor struct {
	Name           string
	Description    string
	ResultMimeType string
}

// ResourceDescriptor is one registered mcp-resource capability.
type ResourceDescriptor struct {
	Name        string
	Description string
	MimeType    string
}

// PromptDescriptor is one registered mcp-prompt capability.
type PromptDescriptor struct {
	Name        string
	Description string
	Arguments   []config.MCPPromptArgument
}

// Registry indexes every MCP-capable endpoint by capability name and
// can render/execute each one on demand.
type Registry struct {
	cfg        *config.Config
	tmplEngine *tmpl.Engine
	engineH    *engine.Handle

	tools     map[string]*config.EndpointConfig
	resources map[string]*config.EndpointConfig
	prompts   map[string]*config.EndpointConfig
}

// New builds an empty Registry bound to the given engine/template
// wiring. Call Register to populate it from a loaded endpoint set.
func New(cfg *config.Config, tmplEngine *tmpl.Engine, engineH *engine.Handle) *Registry {
	return &Registry{
		cfg:        cfg,
		tmplEngine: tmplEngine,
		engineH:    engineH,
		tools:      make(map[string]*config.EndpointConfig),
		resources:  make(map[string]*config.EndpointConfig),
		prompts:    make(map[string]*config.EndpointConfig),
	}
}

// toolTemplateName and friends namespace an MCP capability's template
// registration under the shared tmpl.Engine separately from any REST
// URL path the same endpoint might also carry, since a tool name and a
// URL path are drawn from different namespaces but registered in the
// same engine.
func toolTemplateName(name string) string     { return "mcp-tool:" + name }
func resourceTemplateName(name string) string { return "mcp-resource:" + name }

// Register indexes every endpoint carrying an MCP capability block and
// registers its SQL template (tools and resources are template-backed;
// prompts are rendered inline from their configured text, per the
// config's own "inline, not file-backed" contract).
func (r *Registry) Register(endpoints []*config.EndpointConfig) error {
	for _, ep := range endpoints {
		if ep.MCPTool != nil {
			name := ep.MCPTool.Name
			r.tools[name] = ep
			if err := r.registerTemplate(toolTemplateName(name), ep); err != nil {
				return fmt.Errorf("mcp-tool %s: %w", name, err)
			}
		}
		if ep.MCPResource != nil {
			name := ep.MCPResource.Name
			r.resources[name] = ep
			if err := r.registerTemplate(resourceTemplateName(name), ep); err != nil {
				return fmt.Errorf("mcp-resource %s: %w", name, err)
			}
		}
		if ep.MCPPrompt != nil {
			r.prompts[ep.MCPPrompt.Name] = ep
		}
	}
	return nil
}

func (r *Registry) registerTemplate(key string, ep *config.EndpointConfig) error {
	if ep.TemplateSource == "" {
		return nil
	}
	raw, err := os.ReadFile(ep.TemplateSource)
	if err != nil {
		return fmt.Errorf("reading template source: %w", err)
	}
	return r.tmplEngine.Register(key, string(raw))
}

// ListTools returns every registered mcp-tool capability.
func (r *Registry) ListTools() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, ep := range r.tools {
		out = append(out, ToolDescriptor{
			Name:           ep.MCPTool.Name,
			Description:    ep.MCPTool.Description,
			ResultMimeType: ep.MCPTool.ResultMimeType,
		})
	}
	return out
}

// ListResources returns every registered mcp-resource capability.
func (r *Registry) ListResources() []ResourceDescriptor {
	out := make([]ResourceDescriptor, 0, len(r.resources))
	for _, ep := range r.resources {
		out = append(out, ResourceDescriptor{
			Name:        ep.MCPResource.Name,
			Description: ep.MCPResource.Description,
			MimeType:    ep.MCPResource.MimeType,
		})
	}
	return out
}

// ListPrompts returns every registered mcp-prompt capability.
func (r *Registry) ListPrompts() []PromptDescriptor {
	out := make([]PromptDescriptor, 0, len(r.prompts))
	for _, ep := range r.prompts {
		out = append(out, PromptDescriptor{
			Name:        ep.MCPPrompt.Name,
			Description: ep.MCPPrompt.Description,
			Arguments:   ep.MCPPrompt.Arguments,
		})
	}
	return out
}

// InvokeTool renders and executes a registered tool's SQL template
// against params, returning the rendered rows.
func (r *Registry) InvokeTool(ctx context.Context, name string, params map[string]any) ([]map[string]any, error) {
	ep, ok := r.tools[name]
	if !ok {
		return nil, apperror.New(apperror.KindRoute, fmt.Sprintf("no mcp-tool named %q is registered", name), nil)
	}
	return r.render(ctx, toolTemplateName(name), ep, params)
}

// ReadResource renders and executes a registered resource's SQL
// template against params, returning the rendered rows.
func (r *Registry) ReadResource(ctx context.Context, name string, params map[string]any) ([]map[string]any, error) {
	ep, ok := r.resources[name]
	if !ok {
		return nil, apperror.New(apperror.KindRoute, fmt.Sprintf("no mcp-resource named %q is registered", name), nil)
	}
	return r.render(ctx, resourceTemplateName(name), ep, params)
}

func (r *Registry) render(ctx context.Context, templateKey string, ep *config.EndpointConfig, params map[string]any) ([]map[string]any, error) {
	connName, connProps := r.connScope(ep)
	tctx := tmpl.NewContext(params, connProps, r.envScope())

	rendered, err := r.tmplEngine.Execute(templateKey, tctx)
	if err != nil {
		return nil, apperror.New(apperror.KindEngine, "failed to render template", err)
	}
	return r.engineH.Query(ctx, connName, rendered)
}

// RenderPrompt renders a registered prompt's inline template against
// args, without touching the engine at all — a prompt produces text,
// not a query result.
func (r *Registry) RenderPrompt(name string, args map[string]any) (string, error) {
	ep, ok := r.prompts[name]
	if !ok {
		return "", apperror.New(apperror.KindRoute, fmt.Sprintf("no mcp-prompt named %q is registered", name), nil)
	}
	tctx := tmpl.NewContext(args, map[string]string{}, r.envScope())
	return r.tmplEngine.ExecuteInline(ep.MCPPrompt.Template, tctx)
}

func (r *Registry) connScope(ep *config.EndpointConfig) (name string, props map[string]string) {
	if len(ep.Connection) == 0 {
		return "", map[string]string{}
	}
	name = ep.Connection[0]
	props = r.cfg.Connections[name].Properties
	if props == nil {
		props = map[string]string{}
	}
	return name, props
}

func (r *Registry) envScope() map[string]string {
	return tmpl.ResolveEnv(os.Environ(), r.cfg.Template.IsEnvVarAllowed)
}
