package leader_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jensholdgaard/bidengine/internal/config"
	"github.com/jensholdgaard/bidengine/internal/leader"
)

func setupK3s(t *testing.T) kubernetes.Interface {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping k3s integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := k3s.Run(ctx, "rancher/k3s:v1.31.6-k3s1")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "starting k3s")

	kubeConfig, err := ctr.GetKubeConfig(ctx)
	require.NoError(t, err)
	restCfg, err := clientcmd.RESTConfigFromKubeConfig(kubeConfig)
	require.NoError(t, err)
	clientset, err := kubernetes.NewForConfig(restCfg)
	require.NoError(t, err)

	orig := leader.ClientFactory
	leader.ClientFactory = func() (kubernetes.Interface, error) { return clientset, nil }
	t.Cleanup(func() { leader.ClientFactory = orig })
	return clientset
}

func replicaConfig(identity string) config.LeaderElectionConfig {
	return config.LeaderElectionConfig{
		Enabled:        true,
		Identity:       identity,
		LeaseName:      "bidengine-sweep",
		LeaseNamespace: "default",
		LeaseDuration:  5 * time.Second,
		RenewDeadline:  3 * time.Second,
		RetryPeriod:    time.Second,
	}
}

// TestGate_K3sHandover runs two replicas against one lease. Only the first
// serves auctions; once it steps down the standby takes over.
func TestGate_K3sHandover(t *testing.T) {
	setupK3s(t)
	logger := slog.New(slog.DiscardHandler)

	var leaders atomic.Int32
	var standbyLed, overlapped atomic.Bool

	primaryCtx, stopPrimary := context.WithCancel(context.Background())
	defer stopPrimary()
	primaryUp := make(chan struct{})
	primaryDone := make(chan error, 1)
	go func() {
		primaryDone <- leader.Gate(primaryCtx, replicaConfig("replica-a"), logger, func(ctx context.Context) error {
			leaders.Add(1)
			close(primaryUp)
			<-ctx.Done()
			leaders.Add(-1)
			return nil
		})
	}()

	select {
	case <-primaryUp:
	case <-time.After(30 * time.Second):
		t.Fatal("primary never acquired the lease")
	}

	standbyCtx, stopStandby := context.WithCancel(context.Background())
	defer stopStandby()
	standbyErr := errors.New("standby finished")
	standbyDone := make(chan error, 1)
	go func() {
		standbyDone <- leader.Gate(standbyCtx, replicaConfig("replica-b"), logger, func(context.Context) error {
			standbyLed.Store(true)
			overlapped.Store(leaders.Load() != 0)
			return standbyErr
		})
	}()

	// The standby must keep waiting while the primary renews.
	time.Sleep(3 * time.Second)
	require.False(t, standbyLed.Load(), "standby led while the primary held the lease")

	stopPrimary()
	select {
	case err := <-primaryDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("primary Gate did not return after cancel")
	}

	// Work returning ends the standby's term, so Gate returns its error
	// without the caller canceling.
	select {
	case err := <-standbyDone:
		require.ErrorIs(t, err, standbyErr)
	case <-time.After(30 * time.Second):
		t.Fatal("standby never took over")
	}
	require.True(t, standbyLed.Load())
	require.False(t, overlapped.Load(), "two replicas led at once")
}
