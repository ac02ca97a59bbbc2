package config

import (
	"errors"
	"fmt"

	"github.com/andrej220/linen/pkg/config/configstore"
	"github.com/andrej220/linen/pkg/config/filestore"
	"github.com/andrej220/linen/pkg/config/mongostore"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrWatchUnsupported = errors.New("watch not supported by store")
)

// Config combines all store capabilities.
type Config interface {
	configstore.ConfigStore
	// Watch calls onChange after each change until the returned stop func is called.
	Watch(onChange func()) (stop func(), err error)
}

type FileConfig struct {
	Path string `yaml:"path" json:"path" validate:"required"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri" validate:"required"`
	DBName   string `yaml:"dbName" json:"dbName" validate:"required"`
	CollName string `yaml:"collName" json:"collName" validate:"required"`
	ID       string `yaml:"id" json:"id" validate:"required"` // document id
}

func NewStore(storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		store, err := mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
		if err != nil {
			return nil, err
		}
		return mongoWatcher{store}, nil
	default:
		return nil, ErrInvalidStoreType
	}
}

type mongoWatcher struct {
	*mongostore.MongoStore
}

func (mongoWatcher) Watch(func()) (func(), error) {
	return nil, ErrWatchUnsupported
}
