// Package discovery publishes the gateway's engine-facing address as an
// ephemeral etcd record so engine nodes can find it and connect back. The
// record disappears with the lease when the gateway exits.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dispatchd/faasgate/pkg/utils"
)

const (
	DefaultPrefix      = "faasgate/gateway_addr"
	DefaultDialTimeout = 5 * time.Second
	DefaultLeaseTTL    = 10 // seconds
)

// Options configures the registry.
type Options struct {
	// Prefix controls where gateway records are stored. Defaults to DefaultPrefix when empty.
	Prefix string
	// DialTimeout overrides the etcd dial timeout. Zero uses DefaultDialTimeout.
	DialTimeout time.Duration
	// LeaseTTL is the record lease in seconds. Zero uses DefaultLeaseTTL.
	LeaseTTL int64
}

// Registry keeps one ephemeral gateway record alive in etcd.
type Registry struct {
	cli     *clientv3.Client
	prefix  string
	ttl     int64
	leaseID clientv3.LeaseID
	key     string
	logger  *slog.Logger
}

// NewRegistry connects to etcd using the provided endpoints and options.
func NewRegistry(endpoints []string, opts Options, logger *slog.Logger) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("discovery: at least one etcd endpoint is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		cli:    cli,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "discovery"),
	}, nil
}

// RegisterSelf publishes addr under a fresh lease and keeps the lease alive
// until Close or ctx cancellation.
func (r *Registry) RegisterSelf(ctx context.Context, addr string) error {
	lease, err := utils.CallWithRetry(ctx, func() (*clientv3.LeaseGrantResponse, error) {
		grantCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
		return r.cli.Grant(grantCtx, r.ttl)
	}, 3, time.Second)
	if err != nil {
		return fmt.Errorf("discovery: lease grant: %w", err)
	}
	r.leaseID = lease.ID
	r.key = r.prefix + "/" + uuid.NewString()

	_, err = utils.CallWithRetry(ctx, func() (*clientv3.PutResponse, error) {
		putCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
		return r.cli.Put(putCtx, r.key, addr, clientv3.WithLease(lease.ID))
	}, 3, time.Second)
	if err != nil {
		return fmt.Errorf("discovery: put gateway record: %w", err)
	}

	keepAlive, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("discovery: keep alive: %w", err)
	}
	go func() {
		for range keepAlive {
		}
		r.logger.Warn("discovery keep-alive channel closed", "key", r.key)
	}()

	r.logger.Info("registered gateway record", "key", r.key, "addr", addr, "ttl", r.ttl)
	return nil
}

// Close revokes the lease, removing the record, and releases the client.
func (r *Registry) Close() error {
	if r == nil || r.cli == nil {
		return nil
	}
	if r.leaseID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
		defer cancel()
		if _, err := r.cli.Revoke(ctx, r.leaseID); err != nil {
			r.logger.Warn("failed to revoke discovery lease", "error", err)
		}
	}
	return r.cli.Close()
}
