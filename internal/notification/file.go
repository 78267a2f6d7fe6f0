package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jkaninda/gatekeeper/internal/workspace"
)

// FileSender writes each message as a JSON side record under dir.
type FileSender struct {
	dir string
}

// NewFileSender creates the directory if needed.
func NewFileSender(dir string) (*FileSender, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating notification dir: %w", err)
	}
	return &FileSender{dir: dir}, nil
}

func (s *FileSender) Type() string { return "file" }

func (s *FileSender) Send(_ context.Context, msg *Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	name := msg.CreatedAt.UTC().Format("20060102T150405Z") + "-" + msg.ID + ".json"
	return workspace.WriteFileAtomic(filepath.Join(s.dir, name), data, 0600)
}
