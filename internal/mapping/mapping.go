package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"shipment-batch-engine/internal/failure"
)

// Output fields a completed row can write back to its source.
const (
	OutputTrackingID  = "tracking_id"
	OutputCostCents   = "cost_cents"
	OutputArtifactRef = "artifact_ref"
)

// Mapping turns source columns into carrier request fields. It is decided before a job is
// created and applied exactly once per row, so the request a row is executed with never
// depends on anything but the row's column values.
type Mapping struct {
	// Fields maps request field -> source column.
	Fields map[string]string `yaml:"fields" json:"fields"`
	// Defaults fill request fields whose column is absent or blank.
	Defaults map[string]string `yaml:"defaults" json:"defaults,omitempty"`
	// Required request fields; a row missing any of them is a data error.
	Required []string `yaml:"required" json:"required,omitempty"`
	// Numeric request fields must parse as positive decimals.
	Numeric []string `yaml:"numeric" json:"numeric,omitempty"`
	// WriteBack maps output field (tracking_id, cost_cents, artifact_ref) -> source column.
	WriteBack map[string]string `yaml:"write_back" json:"write_back,omitempty"`
}

// Request is the carrier request built for one row.
type Request map[string]string

// Parse reads a YAML (or JSON) mapping document.
func Parse(data []byte) (Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Mapping{}, fmt.Errorf("parse mapping: %w", err)
	}
	if err := m.Check(); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// Load reads a mapping file from disk.
func Load(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("read mapping: %w", err)
	}
	return Parse(data)
}

// Check validates the mapping itself, independent of any row.
func (m Mapping) Check() error {
	if len(m.Fields) == 0 && len(m.Defaults) == 0 {
		return fmt.Errorf("mapping has no fields")
	}
	for _, f := range m.Required {
		_, mapped := m.Fields[f]
		_, defaulted := m.Defaults[f]
		if !mapped && !defaulted {
			return fmt.Errorf("required field %q is neither mapped nor defaulted", f)
		}
	}
	for out := range m.WriteBack {
		switch out {
		case OutputTrackingID, OutputCostCents, OutputArtifactRef:
		default:
			return fmt.Errorf("unknown write-back output %q", out)
		}
	}
	return nil
}

// Apply builds the request for one row. Missing columns are left out rather than failing:
// structural validity is decided by Validate when the row is processed.
func (m Mapping) Apply(row map[string]string) Request {
	req := make(Request, len(m.Fields)+len(m.Defaults))
	for field, column := range m.Fields {
		if v := strings.TrimSpace(row[column]); v != "" {
			req[field] = v
		}
	}
	for field, def := range m.Defaults {
		if _, ok := req[field]; !ok && def != "" {
			req[field] = def
		}
	}
	return req
}

// Validate reports a data error when the request is structurally unusable.
func (m Mapping) Validate(req Request) error {
	var missing []string
	for _, f := range m.Required {
		if strings.TrimSpace(req[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return failure.New(failure.Data, "MISSING_FIELD", "missing required fields: "+strings.Join(missing, ", "))
	}
	for _, f := range m.Numeric {
		v, ok := req[f]
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
			return failure.New(failure.Data, "INVALID_NUMBER", fmt.Sprintf("field %s must be a positive number, got %q", f, v))
		}
	}
	return nil
}

// WriteBackColumns lists the source columns that receive outputs; they are excluded from
// row checksums so writing them does not look like a user edit.
func (m Mapping) WriteBackColumns() []string {
	cols := make([]string, 0, len(m.WriteBack))
	for _, c := range m.WriteBack {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Outputs renders a completed row's outputs keyed by source column.
func (m Mapping) Outputs(trackingID string, costCents int64, artifactRef string) map[string]string {
	out := make(map[string]string, len(m.WriteBack))
	for field, column := range m.WriteBack {
		switch field {
		case OutputTrackingID:
			out[column] = trackingID
		case OutputCostCents:
			out[column] = FormatCents(costCents)
		case OutputArtifactRef:
			out[column] = artifactRef
		}
	}
	return out
}

// FormatCents renders minor units as a decimal string without going through floats.
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

func (r Request) Marshal() (json.RawMessage, error) {
	return json.Marshal(r)
}

func DecodeRequest(raw json.RawMessage) (Request, error) {
	var r Request
	if len(raw) == 0 {
		return Request{}, nil
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, failure.Wrap(failure.Data, "MALFORMED_REQUEST", err)
	}
	return r, nil
}
