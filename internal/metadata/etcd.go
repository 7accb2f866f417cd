package metadata

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdOptions configures an EtcdKV.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Prefix      string // Namespace prepended to every key
}

// EtcdKV stores metadata in etcd under a key prefix.
type EtcdKV struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdKV connects to etcd.
func NewEtcdKV(opts EtcdOptions) (*EtcdKV, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd %s: %w", strings.Join(opts.Endpoints, ","), err)
	}
	return &EtcdKV{client: client, prefix: opts.Prefix}, nil
}

func (e *EtcdKV) key(k string) string {
	return e.prefix + k
}

func (e *EtcdKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := e.client.Put(ctx, e.key(key), string(value)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}
	return nil
}

func (e *EtcdKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, _, err := e.GetRevision(ctx, key)
	return v, err
}

func (e *EtcdKV) GetRevision(ctx context.Context, key string) ([]byte, int64, error) {
	resp, err := e.client.Get(ctx, e.key(key))
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, ErrNotFound
	}
	return resp.Kvs[0].Value, resp.Kvs[0].ModRevision, nil
}

// PutIfRevision commits the put in a transaction guarded by the key's
// mod revision. A deleted key has mod revision 0 and never matches.
func (e *EtcdKV) PutIfRevision(ctx context.Context, key string, value []byte, rev int64) error {
	if rev <= 0 {
		return ErrConflict
	}
	k := e.key(key)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(k), "=", rev)).
		Then(clientv3.OpPut(k, string(value))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}
	if !resp.Succeeded {
		return ErrConflict
	}
	return nil
}

func (e *EtcdKV) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, e.key(key)); err != nil {
		return fmt.Errorf("etcd delete %s: %w", key, err)
	}
	return nil
}

func (e *EtcdKV) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	resp, err := e.client.Get(ctx, e.key(prefix),
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("etcd list %s: %w", prefix, err)
	}

	out := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KeyValue{
			Key:   strings.TrimPrefix(string(kv.Key), e.prefix),
			Value: kv.Value,
		})
	}
	return out, nil
}

func (e *EtcdKV) Close() error {
	return e.client.Close()
}
