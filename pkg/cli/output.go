package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

const (
	formatYAML = "yaml"
	formatJSON = "json"
	formatText = "text"
)

// writeOutput renders v as YAML or indented JSON. YAML goes through the JSON
// encoding first so both formats share the API's field names.
func writeOutput(w io.Writer, v any, format string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	switch format {
	case formatJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err = buf.WriteTo(w)
		return err
	case formatYAML, "":
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", format)
	}
}

// writeChangeLogText prints one line per entry, newest first.
func writeChangeLogText(w io.Writer, entries []*models.ChangeLogEntry) error {
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%6d  %s  %-20s  %s:%s  %s  %s\n",
			e.Sequence,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.ActionType,
			e.EntityType, e.EntityID,
			e.ActorID,
			e.Description,
		); err != nil {
			return err
		}
	}
	return nil
}
