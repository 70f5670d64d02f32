package backend

import (
	"context"
	"fmt"
	"strconv"

	capi "github.com/hashicorp/consul/api"

	docerrors "github.com/mirkobrombin/go-docsync/v1/errors"
)

// Consul implements Backend on the Consul KV store. The ModifyIndex of a key
// is its revision; conditional writes run as a transaction of a check-and-set
// followed by a read, so the new index is observed atomically.
type Consul struct {
	c      *capi.Client
	prefix string
}

// NewConsul returns a Consul backend using client.
func NewConsul(client *capi.Client, prefix string) *Consul {
	return &Consul{c: client, prefix: prefix}
}

// NewConsulFromAddress creates a client for address and datacenter.
func NewConsulFromAddress(address, datacenter, token, prefix string) (*Consul, error) {
	cfg := capi.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	if datacenter != "" {
		cfg.Datacenter = datacenter
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := capi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewConsul(cli, prefix), nil
}

// Download implements Backend.
func (c *Consul) Download(ctx context.Context, path string) (Object, error) {
	p, _, err := c.c.KV().Get(objectKey(c.prefix, path), (&capi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return Object{}, err
	}
	if p == nil {
		return Object{}, docerrors.ErrNotFound
	}
	return Object{Content: p.Value, Revision: strconv.FormatUint(p.ModifyIndex, 10)}, nil
}

// Upload implements Backend.
func (c *Consul) Upload(ctx context.Context, path string, content []byte, opts PutOptions) (string, error) {
	key := objectKey(c.prefix, path)
	write := &capi.KVTxnOp{Verb: capi.KVSet, Key: key, Value: content}
	switch opts.Mode {
	case CreateOnly:
		write.Verb = capi.KVCAS
		write.Index = 0
	case IfRevision:
		idx, err := strconv.ParseUint(opts.Revision, 10, 64)
		if err != nil || idx == 0 {
			return "", &docerrors.ConflictError{Path: path, Expected: opts.Revision}
		}
		write.Verb = capi.KVCAS
		write.Index = idx
	}
	ops := capi.TxnOps{
		&capi.TxnOp{KV: write},
		&capi.TxnOp{KV: &capi.KVTxnOp{Verb: capi.KVGet, Key: key}},
	}
	ok, resp, _, err := c.c.Txn().Txn(ops, (&capi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", err
	}
	if !ok {
		if opts.Mode == Unconditional && resp != nil {
			return "", fmt.Errorf("docsync: consul transaction rolled back: %v", resp.Errors)
		}
		return "", &docerrors.ConflictError{Path: path, Expected: opts.Revision}
	}
	for i := len(resp.Results) - 1; i >= 0; i-- {
		if kv := resp.Results[i].KV; kv != nil && kv.Key == key {
			return strconv.FormatUint(kv.ModifyIndex, 10), nil
		}
	}
	return "", fmt.Errorf("docsync: consul transaction returned no result for %s", key)
}

// Metadata implements Backend.
func (c *Consul) Metadata(ctx context.Context, path string) (string, error) {
	o, err := c.Download(ctx, path)
	if err != nil {
		return "", err
	}
	return o.Revision, nil
}
