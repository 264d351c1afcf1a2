package model

import (
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrDetails flattens a CUE validation error into one human
// readable line per finding: "path: message (file:line)".
func CueErrDetails(err error) []string {
	if err == nil {
		return nil
	}

	var out []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		line := fmt.Sprintf(format, args...)
		if path := normalizePath(e.Path()); path != "" {
			line = path + ": " + line
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == "" {
				continue
			}
			line = fmt.Sprintf("%s (%s:%d)", line, pos.Filename(), pos.Line())
			break
		}
		out = append(out, line)
	}
	return out
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// drop the leading #Config definition
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
