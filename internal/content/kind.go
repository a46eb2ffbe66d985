// Package content adapts the replicated document's generic containers to the
// two content shapes the editor surfaces work with: linear text and tabular
// rows, each serializable to the flat-file form the page store keeps.
package content

import (
	"errors"
	"path"
	"strings"
)

type Kind string

const (
	KindText  Kind = "text"
	KindTable Kind = "table"
)

// ErrUnsupportedKind marks a document identity no adapter applies to; such
// identities are not given sessions.
var ErrUnsupportedKind = errors.New("content: unsupported document kind")

var textExtensions = map[string]struct{}{
	".md": {}, ".markdown": {}, ".txt": {}, ".text": {},
	".go": {}, ".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {}, ".py": {},
	".rb": {}, ".rs": {}, ".c": {}, ".h": {}, ".cpp": {}, ".java": {},
	".sh": {}, ".sql": {}, ".html": {}, ".css": {}, ".xml": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".ini": {},
}

// KindOf maps a document identity to its content kind by file extension.
func KindOf(identity string) (Kind, error) {
	ext := strings.ToLower(path.Ext(identity))
	if ext == ".csv" {
		return KindTable, nil
	}
	if _, ok := textExtensions[ext]; ok {
		return KindText, nil
	}
	return "", ErrUnsupportedKind
}
