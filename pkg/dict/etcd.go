package dict

import (
	"context"
	"path"
	"time"

	"github.com/pingcap/errors"
	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"go.etcd.io/etcd/clientv3"
)

const defaultEtcdDialTimeout = 3 * time.Second

// EtcdStore fetches the dictionary document from an etcd key under a base
// path, so statement dictionaries can be distributed to a fleet without
// shipping files.
type EtcdStore struct {
	etcdClient *clientv3.Client
	kv         clientv3.KV
	basePath   string
	key        string
}

func CreateEtcdStore(cfg config.EtcdStore, key string) (*EtcdStore, error) {
	etcdConfig := clientv3.Config{
		Endpoints:   cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: defaultEtcdDialTimeout,
	}
	etcdClient, err := clientv3.New(etcdConfig)
	if err != nil {
		return nil, errors.WithMessage(err, "create etcd dict store error")
	}
	return NewEtcdStore(etcdClient, cfg.BasePath, key), nil
}

func NewEtcdStore(etcdClient *clientv3.Client, basePath, key string) *EtcdStore {
	return &EtcdStore{
		etcdClient: etcdClient,
		kv:         clientv3.NewKV(etcdClient),
		basePath:   basePath,
		key:        key,
	}
}

func (e *EtcdStore) Fetch() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultEtcdDialTimeout)
	defer cancel()

	resp, err := e.kv.Get(ctx, path.Join(e.basePath, e.key))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Errorf("dictionary key '%s' not found", path.Join(e.basePath, e.key))
	}
	return resp.Kvs[0].Value, nil
}

func (e *EtcdStore) Close() error {
	return e.etcdClient.Close()
}
