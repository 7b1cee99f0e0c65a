package launcher

import (
	"fmt"

	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
)

// FromConfig returns the launcher for the configured backend.
func FromConfig(cfg model.Config, logger *logx.Logger) (Launcher, error) {
	switch cfg.Workers.Backend {
	case "process":
		return NewProcess(cfg, logger), nil
	case "container":
		return NewContainer(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown worker backend %q", cfg.Workers.Backend)
	}
}
