// internal/app/backend.go
package app

import (
	"fmt"
	"log"

	"github.com/thorbis/callsync/internal/config"
	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/util"
)

// OpenBackend builds the shared storage backend named by cfg. Relative paths
// resolve against peerDir; an empty path picks the backend's default.
func OpenBackend(peerDir string, cfg config.Storage) (origin.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return origin.NewMemoryBackend(), nil
	case "sqlite":
		b, err := origin.OpenSQLite(util.ResolvePath(peerDir, cfg.ResolvedPath()))
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		log.Printf("ORIGIN: sqlite storage at %s", b.Path())
		return b, nil
	case "dir":
		b, err := origin.OpenDir(util.ResolvePath(peerDir, cfg.ResolvedPath()))
		if err != nil {
			return nil, fmt.Errorf("open dir storage: %w", err)
		}
		log.Printf("ORIGIN: dir storage at %s", b.Dir())
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
