// Package negotiate selects a response representation (JSON, CSV, or
// Arrow IPC) for a request given its ?format= query parameter and/or
// Accept header, and renders the JSON/CSV representations. Arrow
// rendering is left to internal/columnar; negotiate only decides
// whether it applies and which compression codec the client asked for.
package negotiate

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/munnerz/goautoneg"

	"flapi/internal/apperror"
	"flapi/internal/config"
)

// Format is the response representation chosen for a request.
type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatArrow Format = "arrow"
)

// mimeTypes maps the MIME types accepted on the wire to the formats
// they select.
var mimeTypes = map[string]Format{
	"application/json":                  FormatJSON,
	"text/csv":                          FormatCSV,
	"application/vnd.apache.arrow.stream": FormatArrow,
}

// formatNames maps format names to formats, used to validate ?format=
// query values against the names the config and the wire agree on.
var formatNames = map[string]Format{
	"json":  FormatJSON,
	"csv":   FormatCSV,
	"arrow": FormatArrow,
}

// Selection is the outcome of negotiation: the chosen format and, for
// Arrow, an optional compression codec taken from the Accept header's
// codec parameter.
type Selection struct {
	Format     Format
	ArrowCodec string
}

// Select picks a response format for the request per the endpoint's
// format config. query carries the raw ?format= value (empty if
// absent); accept is the raw Accept header value (empty if absent).
func Select(query string, accept string, cfg config.ResponseFormatConfig) (Selection, error) {
	if query != "" {
		return selectFromQuery(query, cfg)
	}
	return selectFromAccept(accept, cfg)
}

// SelectRequest is a convenience wrapper over Select for callers that
// have an *http.Request in hand.
func SelectRequest(r *http.Request, cfg config.ResponseFormatConfig) (Selection, error) {
	return Select(r.URL.Query().Get("format"), r.Header.Get("Accept"), cfg)
}

func selectFromQuery(query string, cfg config.ResponseFormatConfig) (Selection, error) {
	f, ok := formatNames[strings.ToLower(strings.TrimSpace(query))]
	if !ok || !formatEnabled(cfg, f) {
		return Selection{}, unsupportedErr(query)
	}
	return Selection{Format: f}, nil
}

func selectFromAccept(accept string, cfg config.ResponseFormatConfig) (Selection, error) {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return defaultSelection(cfg)
	}

	entries := goautoneg.ParseAccept(accept)
	if len(entries) == 0 {
		return defaultSelection(cfg)
	}

	for _, e := range entries {
		if e.Q <= 0 {
			continue
		}
		mime := e.Type + "/" + e.SubType
		if e.Type == "*" && e.SubType == "*" {
			sel, err := defaultSelection(cfg)
			if err == nil {
				return sel, nil
			}
			continue
		}
		f, ok := mimeTypes[mime]
		if !ok || !formatEnabled(cfg, f) {
			continue
		}
		sel := Selection{Format: f}
		if f == FormatArrow {
			sel.ArrowCodec = arrowCodecFromParams(e.Params)
		}
		return sel, nil
	}

	return Selection{}, unsupportedErr(accept)
}

func arrowCodecFromParams(params map[string]string) string {
	codec := strings.ToLower(strings.TrimSpace(params["codec"]))
	if codec == "lz4" || codec == "zstd" {
		return codec
	}
	return ""
}

func defaultSelection(cfg config.ResponseFormatConfig) (Selection, error) {
	def := formatNames[strings.ToLower(strings.TrimSpace(cfg.Default))]
	if def != "" && formatEnabled(cfg, def) {
		return Selection{Format: def}, nil
	}
	if formatEnabled(cfg, FormatJSON) {
		return Selection{Format: FormatJSON}, nil
	}
	return Selection{}, unsupportedErr(cfg.Default)
}

func formatEnabled(cfg config.ResponseFormatConfig, f Format) bool {
	if f == "" {
		return false
	}
	if f == FormatArrow && !cfg.ArrowEnabled {
		return false
	}
	for _, name := range cfg.Formats {
		if strings.EqualFold(name, string(f)) {
			return true
		}
	}
	return false
}

func unsupportedErr(requested string) error {
	return apperror.New(apperror.KindValidation, fmt.Sprintf("unsupported response format %q", requested), nil)
}

// Envelope is the standard JSON shape for paginated reads.
type Envelope struct {
	Data       any    `json:"data"`
	Next       string `json:"next"`
	TotalCount int    `json:"total_count"`
}

// WriteJSON writes v (an Envelope for paginated reads, or a bare
// slice/object otherwise) as the JSON response body, setting headers
// when an Envelope is supplied.
func WriteJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	if env, ok := v.(Envelope); ok {
		w.Header().Set("X-Total-Count", fmt.Sprintf("%d", env.TotalCount))
		w.Header().Set("X-Next", env.Next)
	}
	return json.NewEncoder(w).Encode(v)
}

// WriteCSV renders rows as CSV with a header row drawn from columns,
// in the given order, preserving the quoting rules of encoding/csv
// (fields containing a comma, quote, or newline are double-quoted with
// inner quotes doubled).
func WriteCSV(w http.ResponseWriter, columns []string, rows []map[string]any) error {
	w.Header().Set("Content-Type", "text/csv")
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = fmt.Sprint(row[col])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
