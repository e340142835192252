package store

import (
	"context"
	"fmt"

	"github.com/PipeOpsHQ/hookcatch/internal/config"
	"github.com/sirupsen/logrus"
)

// Open returns the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig, logger logrus.FieldLogger) (Store, error) {
	switch cfg.Backend {
	case config.BackendRelational:
		var (
			s   *SQLStore
			err error
		)
		switch cfg.Driver {
		case config.DriverPostgres:
			s, err = NewPostgresStore(cfg.DSN)
		case config.DriverSQLite, "":
			s, err = NewSQLiteStore(cfg.DSN)
		default:
			return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
		}
		if err != nil {
			return nil, err
		}
		logger.WithField("driver", cfg.Driver).Info("relational store ready")
		return s, nil
	case config.BackendObject:
		s, err := OpenBlobStore(ctx, cfg.BucketURL, logger)
		if err != nil {
			return nil, err
		}
		logger.WithField("bucket", cfg.BucketURL).Info("object store ready")
		return s, nil
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", cfg.Backend)
	}
}
