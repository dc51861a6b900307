package sdk

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/internal/metrics"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
	"github.com/mindspace-dev/mindspace-store/pkg/storage/mongo"
	"github.com/mindspace-dev/mindspace-store/pkg/storage/postgres"
)

// RemoteKind selects the remote document store.
type RemoteKind string

const (
	RemoteNone     RemoteKind = "none"
	RemoteStore    RemoteKind = "store" // the bundled mindspace-stored daemon
	RemotePostgres RemoteKind = "postgres"
	RemoteMongo    RemoteKind = "mongo"
)

// Options describes where records live.
type Options struct {
	DataDir string

	Remote        RemoteKind
	StoreAddr     string
	DisableTLS    bool
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string

	ProbeTimeout time.Duration
	CallTimeout  time.Duration

	Metrics metrics.MetricsCollector
	Logger  *log.Logger
}

// OpenRemote builds the configured remote backend without contacting it.
// It returns nil for RemoteNone.
func OpenRemote(opts Options) (storage.Backend, error) {
	l := logger.OrDiscard(opts.Logger)

	switch opts.Remote {
	case "", RemoteNone:
		return nil, nil
	case RemoteStore:
		if opts.StoreAddr == "" {
			return nil, fmt.Errorf("remote %q needs an address", opts.Remote)
		}
		c := NewClient(opts.StoreAddr, ClientOptions{DisableTLS: opts.DisableTLS, Logger: l})
		return NewRemoteBackend(c), nil
	case RemotePostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("remote %q needs a DSN", opts.Remote)
		}
		return postgres.Open(opts.PostgresDSN, l)
	case RemoteMongo:
		if opts.MongoURI == "" {
			return nil, fmt.Errorf("remote %q needs a URI", opts.Remote)
		}
		return mongo.Open(opts.MongoURI, opts.MongoDatabase, l)
	default:
		return nil, fmt.Errorf("unknown remote kind %q", opts.Remote)
	}
}

// New initializes the storage router from opts. The local store is always
// present; the remote, if configured, is probed on every call, so the
// router works whether or not the remote is reachable right now.
func New(ctx context.Context, opts Options) (*storage.Router, error) {
	l := logger.OrDiscard(opts.Logger)

	local, err := storage.NewLocalBackend(opts.DataDir, l)
	if err != nil {
		return nil, err
	}

	remote, err := OpenRemote(opts)
	if err != nil {
		return nil, err
	}

	router := storage.NewRouter(remote, local, storage.RouterOptions{
		ProbeTimeout: opts.ProbeTimeout,
		CallTimeout:  opts.CallTimeout,
		Metrics:      opts.Metrics,
		Logger:       l,
	})

	if remote == nil {
		l.Info("No remote store configured, using local files only", "dir", opts.DataDir)
	} else if !router.Available(ctx) {
		l.Warn("Remote store unreachable at startup, writes fall back to local files", "remote", opts.Remote)
	} else {
		l.Info("Remote store connected", "remote", opts.Remote)
	}
	return router, nil
}
