package dur

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	RawFile    = "output.txt"
	PrettyFile = "output_pretty.json"
)

// WriteDiagnostics saves the raw body to dir/output.txt and, when the body is
// valid JSON, an indented copy to dir/output_pretty.json. It reports whether
// the pretty copy was written.
func WriteDiagnostics(dir string, resp *Response) (bool, error) {
	if resp == nil {
		return false, errors.New("dur: no response to write")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("dur: create diagnostics dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, RawFile), resp.Body, 0o644); err != nil {
		return false, fmt.Errorf("dur: write %s: %w", RawFile, err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body, "", "  "); err != nil {
		return false, nil
	}
	pretty.WriteByte('\n')
	if err := os.WriteFile(filepath.Join(dir, PrettyFile), pretty.Bytes(), 0o644); err != nil {
		return false, fmt.Errorf("dur: write %s: %w", PrettyFile, err)
	}
	return true, nil
}
