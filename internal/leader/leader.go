// Package leader provides Kubernetes Lease-based leader election so that
// only one replica runs the auction sweep and serves bidders at a time.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/bidengine/internal/config"
)

// Identity resolves the lease holder name for this replica: the configured
// identity, then POD_NAME, then the hostname.
func Identity(cfg config.LeaderElectionConfig) string {
	if cfg.Identity != "" {
		return cfg.Identity
	}
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// ClientFactory creates a Kubernetes clientset.
// Extracted as a variable for testing.
var ClientFactory = func() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Gate runs work directly when election is disabled, and otherwise only
// while this replica holds the lease. Losing the lease cancels work's
// context and Gate returns once work has finished. Gate never re-enters the
// election after leading once; the process is expected to exit and restart.
func Gate(ctx context.Context, cfg config.LeaderElectionConfig, logger *slog.Logger, work func(ctx context.Context) error) error {
	if !cfg.Enabled {
		return work(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	elector, result, err := newElector(cfg, logger, func(ctx context.Context) error {
		// Returning from work ends the term and releases the lease.
		defer cancel()
		return work(ctx)
	})
	if err != nil {
		return err
	}
	elector.Run(ctx)

	select {
	case err := <-result:
		return err
	default:
		// Canceled before this replica ever led.
		return nil
	}
}

func newElector(cfg config.LeaderElectionConfig, logger *slog.Logger, work func(ctx context.Context) error) (*leaderelection.LeaderElector, <-chan error, error) {
	id := Identity(cfg)
	logger.Info("waiting for auction leadership",
		slog.String("identity", id),
		slog.String("lease", cfg.LeaseName),
		slog.String("namespace", cfg.LeaseNamespace),
	)

	client, err := ClientFactory()
	if err != nil {
		return nil, nil, fmt.Errorf("leader election client: %w", err)
	}

	result := make(chan error, 1)
	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock: &resourcelock.LeaseLock{
			LeaseMeta: metav1.ObjectMeta{
				Name:      cfg.LeaseName,
				Namespace: cfg.LeaseNamespace,
			},
			Client:     client.CoordinationV1(),
			LockConfig: resourcelock.ResourceLockConfig{Identity: id},
		},
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.InfoContext(ctx, "acquired auction leadership", slog.String("identity", id))
				result <- work(ctx)
			},
			OnStoppedLeading: func() {
				logger.Info("released auction leadership", slog.String("identity", id))
			},
			OnNewLeader: func(holder string) {
				if holder != id {
					logger.Info("auctions led by another replica", slog.String("leader", holder))
				}
			},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("configuring leader election: %w", err)
	}
	return elector, result, nil
}
