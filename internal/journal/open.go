package journal

import (
	"errors"
	"strings"

	logx "flexpower/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "journal"), logx.String("driver", driver))

	switch driver {
	case "file", "jsonl":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown journal driver: " + driver)
	}
}
