package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"flapi/internal/logging"
)

// varPattern matches ${VAR} and ${VAR:-default} / ${VAR:default} syntax
// in the raw root YAML bytes, expanded before parsing — the same
// mechanism the gateway's ambient config loader has always used.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-?([^}]*))?\}`)

func expandEnv(raw []byte) []byte {
	_ = godotenv.Load() // best-effort; absence of .env is not an error
	return varPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		parts := varPattern.FindSubmatch(match)
		name := string(parts[1])
		def := ""
		if len(parts) >= 3 {
			def = string(parts[2])
		}
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return []byte(def)
	})
}

// LoadResult bundles the parsed config with the endpoints successfully
// loaded and any load-time diagnostics for endpoint files, mirroring the
// "valid endpoints appended, invalid skipped with diagnostic" protocol —
// one malformed endpoint file never aborts the whole load.
type LoadResult struct {
	Config      *Config
	Endpoints   []*EndpointConfig
	Diagnostics []Diagnostic
}

// Diagnostic is one validation finding for a single endpoint file.
type Diagnostic struct {
	File     string
	Severity string // "error" | "warning"
	Message  string
}

// Load parses the root YAML file, then walks the endpoint directory
// tree resolving and validating each endpoint file independently.
func Load(rootPath string) (*LoadResult, error) {
	raw, err := os.ReadFile(rootPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	raw = expandEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	baseDir, err := filepath.Abs(filepath.Dir(rootPath))
	if err != nil {
		return nil, fmt.Errorf("resolve config base dir: %w", err)
	}
	cfg.baseDir = baseDir

	if cfg.Server.HTTPS.Enabled {
		if cfg.Server.HTTPS.CertFile == "" || cfg.Server.HTTPS.KeyFile == "" {
			return nil, fmt.Errorf("server.https.enabled is true but cert-file/key-file is empty")
		}
	}

	endpointsDir := cfg.Endpoints.Directory
	if endpointsDir == "" {
		endpointsDir = cfg.Template.Path
	}
	endpointsDir = resolvePath(baseDir, endpointsDir)

	var endpoints []*EndpointConfig
	var diags []Diagnostic

	if endpointsDir != "" {
		files, err := findEndpointFiles(endpointsDir)
		if err != nil {
			return nil, fmt.Errorf("walk endpoint directory %q: %w", endpointsDir, err)
		}
		for _, f := range files {
			ep, fileDiags, err := loadEndpointFile(f, &cfg)
			diags = append(diags, fileDiags...)
			if err != nil {
				diags = append(diags, Diagnostic{File: f, Severity: "error", Message: err.Error()})
				logging.Warn("endpoint_load_skipped", map[string]any{
					"file":  f,
					"error": err.Error(),
				})
				continue
			}
			endpoints = append(endpoints, ep)
		}
	}

	return &LoadResult{Config: &cfg, Endpoints: endpoints, Diagnostics: diags}, nil
}

// findEndpointFiles recursively walks dir collecting .yaml/.yml files.
func findEndpointFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// loadEndpointFile parses one endpoint YAML file, resolves its paths to
// absolute, and validates it. Path resolution always uses the file's own
// directory as the base, so reload of the same file (whether the
// on-disk value is relative or the caller passes a different cwd)
// produces the same absolute result every time.
func loadEndpointFile(path string, cfg *Config) (*EndpointConfig, []Diagnostic, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read: %w", err)
	}
	var ep EndpointConfig
	if err := yaml.Unmarshal(raw, &ep); err != nil {
		return nil, nil, fmt.Errorf("parse: %w", err)
	}

	fileDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve dir: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve path: %w", err)
	}
	ep.sourceFile = absPath

	ep.TemplateSource = resolvePath(fileDir, ep.TemplateSource)
	if ep.Cache.TemplateFile != "" {
		ep.Cache.TemplateFile = resolvePath(fileDir, ep.Cache.TemplateFile)
	}

	diags, err := Validate(&ep, cfg)
	if err != nil {
		return nil, diags, err
	}
	return &ep, diags, nil
}

// LoadEndpointForReload re-parses a single endpoint file using the exact
// same resolver as the initial load, so a reloaded absolute path matches
// the one produced at startup even if the on-disk value is relative.
func LoadEndpointForReload(path string, cfg *Config) (*EndpointConfig, []Diagnostic, error) {
	return loadEndpointFile(path, cfg)
}
