package util

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
)

// PrintPrettyJSON writes v as indented JSON to pterm's default output.
func PrintPrettyJSON(v any) error {
	out, err := MarshalPretty(v)
	if err != nil {
		return err
	}
	pterm.Println(out)
	return nil
}

// MarshalPretty returns v as indented JSON. HTML characters are left
// unescaped so scripts and URLs read as written.
func MarshalPretty(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("failed to marshal output: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
