package recovery

import (
	"context"
	"fmt"
	"os"
)

// TemplateSource is the cascade's last resort: a built-in, empty WAL the
// gateway boots from when every upstream source failed or the overall
// deadline elapsed. It is always available by construction.
type TemplateSource struct {
	// path, if set, points to an operator-provided seed WAL (e.g. a
	// known-good snapshot checked into the deployment image). If empty,
	// the template synthesizes a fresh, empty WAL file so the gateway
	// still boots with zero balances rather than refusing to start.
	path string
}

// NewTemplateSource builds a TemplateSource. path may be empty.
func NewTemplateSource(path string) *TemplateSource {
	return &TemplateSource{path: path}
}

func (s *TemplateSource) Name() string { return "template" }

// IsAvailable is always true; the template never fails to be a candidate.
func (s *TemplateSource) IsAvailable(ctx context.Context) (bool, error) {
	return true, nil
}

// Restore returns the configured seed path, or creates an empty WAL file
// under os.TempDir if none was configured.
func (s *TemplateSource) Restore(ctx context.Context) (string, int, error) {
	if s.path != "" {
		if _, err := os.Stat(s.path); err != nil {
			return "", 0, fmt.Errorf("recovery: template path unreadable: %w", err)
		}
		return s.path, 1, nil
	}

	f, err := os.CreateTemp("", "gateway-template-wal-*.log")
	if err != nil {
		return "", 0, fmt.Errorf("recovery: create empty template wal: %w", err)
	}
	defer f.Close()
	return f.Name(), 0, nil
}
