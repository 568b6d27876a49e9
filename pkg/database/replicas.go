package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ReplicaConfig holds configuration for read replicas. Replicas only serve
// informational reads such as dashboard usage; every mutation and every
// authorization decision reads the primary.
type ReplicaConfig struct {
	ReadReplicaURLs     []string
	HealthCheckInterval time.Duration
}

// DefaultReplicaConfig returns default configuration for read replicas
func DefaultReplicaConfig() ReplicaConfig {
	return ReplicaConfig{
		HealthCheckInterval: 30 * time.Second,
	}
}

type replicaConnection struct {
	db      *sql.DB
	url     string
	healthy atomic.Bool
}

// ClientWithReplicas extends Client with round-robin read replicas
type ClientWithReplicas struct {
	*Client

	readReplicas []*replicaConnection
	rrIndex      atomic.Uint64
	config       ReplicaConfig

	healthCheckStop chan struct{}
	healthCheckWg   sync.WaitGroup
	closeOnce       sync.Once
}

// WithReplicas connects the configured read replicas. Replicas that fail to
// connect are skipped; with none available all reads use the primary.
func WithReplicas(primary *Client, poolCfg PoolConfig, sslCfg *SSLConfig, replicaCfg ReplicaConfig) *ClientWithReplicas {
	c := &ClientWithReplicas{
		Client:          primary,
		config:          replicaCfg,
		healthCheckStop: make(chan struct{}),
	}

	if primary.Driver != DriverPostgres {
		return c
	}

	for _, replicaURL := range replicaCfg.ReadReplicaURLs {
		replica, err := c.connectReplica(replicaURL, poolCfg, sslCfg)
		if err != nil {
			c.log.Warn("failed to connect to read replica", "error", err)
			continue
		}
		c.readReplicas = append(c.readReplicas, replica)
	}

	if len(c.readReplicas) > 0 {
		c.log.Info("read replicas connected", "count", len(c.readReplicas))
		if replicaCfg.HealthCheckInterval > 0 {
			c.startHealthChecking()
		}
	}

	return c
}

func (c *ClientWithReplicas) connectReplica(replicaURL string, poolCfg PoolConfig, sslCfg *SSLConfig) (*replicaConnection, error) {
	connStr, err := BuildConnectionString(replicaURL, sslCfg)
	if err != nil {
		return nil, fmt.Errorf("failed building connection string: %w", err)
	}

	db, err := sql.Open(DriverPostgres, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed opening connection: %w", err)
	}

	// Read replicas get half the primary's connections
	maxOpen := poolCfg.MaxOpenConns / 2
	if maxOpen < 5 {
		maxOpen = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(poolCfg.MaxIdleConns)
	db.SetConnMaxLifetime(poolCfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(poolCfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping replica: %w", err)
	}

	r := &replicaConnection{db: db, url: replicaURL}
	r.healthy.Store(true)
	return r, nil
}

// Reader returns a handle for eventually consistent reads: a healthy replica
// in round-robin order, or the primary.
func (c *ClientWithReplicas) Reader() *sql.DB {
	n := len(c.readReplicas)
	if n == 0 {
		return c.DB
	}

	start := c.rrIndex.Add(1)
	for i := 0; i < n; i++ {
		r := c.readReplicas[(start+uint64(i))%uint64(n)]
		if r.healthy.Load() {
			return r.db
		}
	}
	return c.DB
}

func (c *ClientWithReplicas) startHealthChecking() {
	c.healthCheckWg.Add(1)

	go func() {
		defer c.healthCheckWg.Done()

		ticker := time.NewTicker(c.config.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.checkReplicaHealth()
			case <-c.healthCheckStop:
				return
			}
		}
	}()
}

func (c *ClientWithReplicas) checkReplicaHealth() {
	for _, r := range c.readReplicas {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.db.PingContext(ctx)
		cancel()

		wasHealthy := r.healthy.Swap(err == nil)
		if wasHealthy && err != nil {
			c.log.Warn("read replica became unhealthy", "error", err)
		} else if !wasHealthy && err == nil {
			c.log.Info("read replica recovered")
		}
	}
}

// ReplicaStats returns pool statistics per replica
func (c *ClientWithReplicas) ReplicaStats() map[string]interface{} {
	healthy := 0
	replicas := make([]map[string]interface{}, 0, len(c.readReplicas))
	for _, r := range c.readReplicas {
		ok := r.healthy.Load()
		if ok {
			healthy++
		}
		replicas = append(replicas, map[string]interface{}{
			"healthy":          ok,
			"open_connections": r.db.Stats().OpenConnections,
		})
	}
	return map[string]interface{}{
		"total_replicas":   len(c.readReplicas),
		"healthy_replicas": healthy,
		"replicas":         replicas,
	}
}

// Close closes all database connections (primary and replicas)
func (c *ClientWithReplicas) Close() error {
	c.closeOnce.Do(func() { close(c.healthCheckStop) })
	c.healthCheckWg.Wait()

	for _, r := range c.readReplicas {
		if err := r.db.Close(); err != nil {
			c.log.Warn("error closing replica connection", "error", err)
		}
	}

	return c.Client.Close()
}
