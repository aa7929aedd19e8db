package main

import (
	"context"
	dbsql "database/sql"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/pardot/oidcop/storage"
	"github.com/pardot/oidcop/storage/disk"
	"github.com/pardot/oidcop/storage/memory"
	"github.com/pardot/oidcop/storage/sql"
)

const (
	storageMemory   = "memory"
	storageDisk     = "disk"
	storagePostgres = "postgres"
)

type storageConfig struct {
	// Type is one of memory, disk or postgres. Defaults to memory.
	Type string `json:"type"`
	// Path is the bbolt database file, for disk.
	Path string `json:"path"`
	// DSN is the connection string, for postgres.
	DSN string `json:"dsn"`
}

func (s storageConfig) validate() error {
	switch s.Type {
	case "", storageMemory:
	case storageDisk:
		if s.Path == "" {
			return errors.New("storage path is required for disk storage")
		}
	case storagePostgres:
		if s.DSN == "" {
			return errors.New("storage dsn is required for postgres storage")
		}
	default:
		return errors.Errorf("unknown storage type %q", s.Type)
	}
	return nil
}

func (s storageConfig) open(ctx context.Context) (storage.Storage, error) {
	switch s.Type {
	case storageDisk:
		st, err := disk.New(s.Path, 0600)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open disk storage")
		}
		return st, nil
	case storagePostgres:
		db, err := dbsql.Open("postgres", s.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open database")
		}
		st, err := sql.New(ctx, db)
		if err != nil {
			return nil, errors.Wrap(err, "failed to set up postgres storage")
		}
		return st, nil
	default:
		return memory.New(), nil
	}
}
