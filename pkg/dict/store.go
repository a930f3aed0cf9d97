package dict

import (
	"io/ioutil"

	"github.com/pingcap/errors"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
)

const (
	StoreTypeFile = "file"
	StoreTypeEtcd = "etcd"
)

// A Store fetches the raw statement dictionary document for a connection.
type Store interface {
	Fetch() ([]byte, error)
}

// CreateStore builds the dictionary store described by the connection
// configuration. An empty store type means the local file at
// statement_path.
func CreateStore(cfg *config.Connection) (Store, error) {
	switch cfg.DictStore.Type {
	case "", StoreTypeFile:
		return NewFileStore(cfg.StatementPath), nil
	case StoreTypeEtcd:
		return CreateEtcdStore(cfg.DictStore.Etcd, cfg.StatementPath)
	default:
		return nil, errors.Errorf("invalid dict store type '%s'", cfg.DictStore.Type)
	}
}

type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Fetch() ([]byte, error) {
	return ioutil.ReadFile(f.path)
}
