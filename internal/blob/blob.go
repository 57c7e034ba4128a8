// Package blob re-exports the blob abstractions and selects a backend.
package blob

import (
	"context"

	"github.com/cockroachdb/errors"

	"entitykit/internal/blob/core"
	"entitykit/internal/infra/blob/fs"
	"entitykit/internal/infra/blob/memory"
	"entitykit/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config addresses an S3 compatible bucket.
	S3Config = s3.Config
)

const (
	// DriverFS is the local directory driver.
	DriverFS = core.DriverFS
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory driver.
	DriverMemory = core.DriverMemory
)

// Blob errors.
var (
	ErrNotFound   = core.ErrNotFound
	ErrExists     = core.ErrExists
	ErrInvalidKey = core.ErrInvalidKey
)

// Config selects and configures a backend. An empty driver means fs.
type Config struct {
	Driver Driver
	// FSRoot is the directory used by the fs driver.
	FSRoot string
	S3     S3Config
}

// Open constructs the blob store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverFS, "":
		return fs.New(cfg.FSRoot)
	case DriverMemory:
		return memory.New(), nil
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	default:
		return nil, errors.Newf("unknown blob driver %q", cfg.Driver)
	}
}

// NewFilesystem returns a blob store rooted at dir.
func NewFilesystem(dir string) (Store, error) { return fs.New(dir) }

// NewMemory returns an in-memory blob store.
func NewMemory() Store { return memory.New() }

// NewMockS3ForTests returns an S3 store served by an in-process fake.
func NewMockS3ForTests() Store { return s3.NewMockForTests() }
