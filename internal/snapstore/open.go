package snapstore

import (
	"fmt"
	"io"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/recovery"
	"github.com/rs/zerolog"
)

const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendFile   = "file"
)

// Open returns the storage for backend at path together with its closer.
func Open[S any](backend, path string, logger zerolog.Logger) (recovery.Storage[S], io.Closer, error) {
	switch backend {
	case BackendSQLite:
		s, err := NewSQLite[S](path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case BackendBolt:
		b, err := NewBolt[S](path, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case BackendFile:
		f, err := NewFile[S](path)
		if err != nil {
			return nil, nil, err
		}
		return f, nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown snapshot backend %q", backend)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
