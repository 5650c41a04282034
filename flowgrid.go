package flowgrid

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/taulu/flowgrid/internal/blob"
	"github.com/taulu/flowgrid/internal/breaker"
	"github.com/taulu/flowgrid/internal/cache"
	"github.com/taulu/flowgrid/internal/deadletter"
	"github.com/taulu/flowgrid/internal/debugctl"
	"github.com/taulu/flowgrid/internal/engine"
	"github.com/taulu/flowgrid/internal/governor"
	"github.com/taulu/flowgrid/internal/persistence"
	"github.com/taulu/flowgrid/internal/taskqueue"
	"github.com/taulu/flowgrid/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Graph         = api.Graph
	NodeSpec      = api.NodeSpec
	EdgeSpec      = api.EdgeSpec
	EdgeKind      = api.EdgeKind
	Execution     = api.Execution
	NodeExecution = api.NodeExecution
	Status        = api.Status
	NodeStatus    = api.NodeStatus

	Node       = api.Node
	NodeFunc   = api.NodeFunc
	NodeInput  = api.NodeInput
	NodeResult = api.NodeResult
	Descriptor = api.Descriptor
	Registry   = api.Registry

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	CredentialVault = api.CredentialVault
	StaticVault     = api.StaticVault
	RoleChecker     = api.RoleChecker
	AuditSink       = api.AuditSink

	Workflow = persistence.Workflow
)

// Re-export common constructors and helpers.

var (
	NewRegistry          = api.NewRegistry
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	NewNodeError    = api.NewNodeError
	NewSuspendError = api.NewSuspendError
	AsNodeError     = api.AsNodeError
	IsSuspend       = api.IsSuspend
)

// Re-export status values for convenience.

const (
	StatusQueued    = api.StatusQueued
	StatusRunning   = api.StatusRunning
	StatusPaused    = api.StatusPaused
	StatusSucceeded = api.StatusSucceeded
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	EdgeNormal  = api.EdgeNormal
	EdgeOnError = api.EdgeOnError

	DefaultPort = api.DefaultPort
)

// Options tunes engine behavior independently of the chosen backends.
type Options struct {
	// DefaultTimeout bounds a single node invocation when its type declares
	// no timeout of its own.
	DefaultTimeout time.Duration

	// RetryBudget caps retries per node for retryable failures.
	RetryBudget int

	// RetryBackoff is the initial retry delay; it doubles per attempt.
	RetryBackoff time.Duration

	// CacheTTL applies to cacheable node results without a per-type TTL.
	CacheTTL time.Duration

	// MaxPerUser and MaxPerWorkspace cap concurrently running executions.
	// Zero means unlimited.
	MaxPerUser      int64
	MaxPerWorkspace int64

	// BlobThreshold externalizes node outputs whose encoding exceeds it.
	// Zero uses the default; requires a blob store.
	BlobThreshold int

	Observer api.Observer
	Vault    api.CredentialVault
	Audit    api.AuditSink
}

// Backends collects the storage and signaling implementations an Engine
// runs on. The NewXxxBackends constructors build matched sets; fields may
// be swapped individually before NewEngine.
type Backends struct {
	Store       persistence.ExecutionStore
	Workflows   persistence.WorkflowStore
	Queue       taskqueue.Queue
	Signals     debugctl.Signals
	Cache       cache.Cache
	Blobs       blob.Store
	DeadLetters deadletter.Store
	Counters    governor.Counters
	Breaker     breaker.Breaker
}

// NewInMemoryBackends returns non-durable backends for tests and
// single-process deployments.
func NewInMemoryBackends() Backends {
	return Backends{
		Store:     persistence.NewMemoryExecutionStore(),
		Workflows: persistence.NewMemoryWorkflowStore(),
		Queue:     taskqueue.NewInMemoryQueue(1024),
		Signals:   debugctl.NewMemorySignals(),
		Cache:     cache.NewMemoryCache(time.Hour),
		Counters:  governor.NewMemoryCounters(),
		Breaker:   breaker.NewMemoryBreaker(breaker.Settings{}),
	}
}

// NewSQLiteBackends persists executions, workflows and the job queue in a
// SQLite database. Debug signals stay in-process, which suits a single
// worker; pair with NewRedisSignals for multi-process deployments.
func NewSQLiteBackends(db *sql.DB) (Backends, error) {
	store, err := persistence.NewSQLiteExecutionStore(db)
	if err != nil {
		return Backends{}, err
	}
	workflows, err := persistence.NewSQLiteWorkflowStore(db)
	if err != nil {
		return Backends{}, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return Backends{}, err
	}
	return Backends{
		Store:     store,
		Workflows: workflows,
		Queue:     queue,
		Signals:   debugctl.NewMemorySignals(),
		Cache:     cache.NewMemoryCache(time.Hour),
		Counters:  governor.NewMemoryCounters(),
		Breaker:   breaker.NewMemoryBreaker(breaker.Settings{}),
	}, nil
}

// NewPostgresBackends persists executions and workflows in PostgreSQL.
// Queueing and signaling need a shared medium across workers; redisClient
// provides it.
func NewPostgresBackends(db *sql.DB, redisClient *redis.Client) (Backends, error) {
	store, err := persistence.NewPostgresExecutionStore(db)
	if err != nil {
		return Backends{}, err
	}
	workflows, err := persistence.NewPostgresWorkflowStore(db)
	if err != nil {
		return Backends{}, err
	}
	return Backends{
		Store:     store,
		Workflows: workflows,
		Queue:     taskqueue.NewRedisQueue(redisClient, ""),
		Signals:   debugctl.NewRedisSignals(redisClient, ""),
		Cache:     cache.NewRedisCache(redisClient, "", time.Hour),
		Counters:  governor.NewRedisCounters(redisClient, ""),
		Breaker:   breaker.NewRedisBreaker(redisClient, "", breaker.Settings{}),
	}, nil
}

// NewRedisBackends keeps all shared state in Redis. Durable enough for
// development clusters; production deployments usually want the Postgres
// store underneath.
func NewRedisBackends(client *redis.Client) Backends {
	return Backends{
		Store:     persistence.NewMemoryExecutionStore(),
		Workflows: persistence.NewMemoryWorkflowStore(),
		Queue:     taskqueue.NewRedisQueue(client, ""),
		Signals:   debugctl.NewRedisSignals(client, ""),
		Cache:     cache.NewRedisCache(client, "", time.Hour),
		Counters:  governor.NewRedisCounters(client, ""),
		Breaker:   breaker.NewRedisBreaker(client, "", breaker.Settings{}),
	}
}

// NewMongoDeadLetters stores failure artifacts in MongoDB, for deployments
// that keep an audit trail of failed executions.
func NewMongoDeadLetters(client *mongo.Client, database, collection string) deadletter.Store {
	return deadletter.NewMongoStore(client, database, collection)
}

// NewFSDeadLetters stores failure artifacts as JSON files under dir.
func NewFSDeadLetters(dir string) (deadletter.Store, error) {
	return deadletter.NewFSStore(dir)
}

// NewFSBlobStore stores externalized node payloads as files under dir.
func NewFSBlobStore(dir string) (blob.Store, error) {
	return blob.NewFSStore(dir)
}

// NewEngine assembles an execution engine from a registry, backends and
// options.
func NewEngine(registry *api.Registry, b Backends, opts Options) (*engine.Engine, error) {
	var gov *governor.Governor
	if opts.MaxPerUser > 0 || opts.MaxPerWorkspace > 0 {
		counters := b.Counters
		if counters == nil {
			counters = governor.NewMemoryCounters()
		}
		gov = governor.New(counters, governor.Limits{
			MaxPerUser:      opts.MaxPerUser,
			MaxPerWorkspace: opts.MaxPerWorkspace,
		})
	}

	var blobs *blob.Manager
	if b.Blobs != nil {
		blobs = blob.NewManager(b.Blobs, opts.BlobThreshold)
	}

	return engine.New(engine.Config{
		Registry:    registry,
		Store:       b.Store,
		Signals:     b.Signals,
		Cache:       b.Cache,
		Blobs:       blobs,
		DeadLetters: b.DeadLetters,
		Governor:    gov,
		Breaker:     b.Breaker,
		Vault:       opts.Vault,
		Observer:    opts.Observer,
		Audit:       opts.Audit,
		Options: engine.Options{
			DefaultTimeout: opts.DefaultTimeout,
			RetryBudget:    opts.RetryBudget,
			RetryBackoff:   opts.RetryBackoff,
			CacheTTL:       opts.CacheTTL,
		},
	})
}
