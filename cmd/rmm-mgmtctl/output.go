package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// printResult writes a raw JSON result as indented JSON or as YAML.
func printResult(w io.Writer, format string, result json.RawMessage) error {
	switch format {
	case "yaml":
		var v any
		if err := json.Unmarshal(result, &v); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		var buf bytes.Buffer
		if err := json.Indent(&buf, result, "", "  "); err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		buf.WriteByte('\n')
		_, err := w.Write(buf.Bytes())
		return err
	}
}
