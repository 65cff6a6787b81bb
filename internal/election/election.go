// ABOUTME: Kubernetes Lease leader election so only one replica runs the bot at a time.
// ABOUTME: Wraps client-go leaderelection and re-enters the election after leadership is lost.

package election

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

type Config struct {
	LeaseName     string
	Namespace     string
	Identity      string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// DefaultConfig fills in timings matching the client-go defaults used by controllers
func DefaultConfig(leaseName, namespace string) Config {
	identity := os.Getenv("POD_NAME")
	if identity == "" {
		identity, _ = os.Hostname()
	}
	return Config{
		LeaseName:     leaseName,
		Namespace:     namespace,
		Identity:      identity,
		LeaseDuration: 15 * time.Second,
		RenewDeadline: 10 * time.Second,
		RetryPeriod:   2 * time.Second,
	}
}

type Elector struct {
	client kubernetes.Interface
	config Config
	logger *logrus.Logger
}

// NewClientset builds a clientset from the in-cluster config, falling back to the local kubeconfig
func NewClientset(logger *logrus.Logger) (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		logger.WithError(err).Debug("Not running in cluster, trying kubeconfig")
		config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

func NewElector(client kubernetes.Interface, config Config, logger *logrus.Logger) (*Elector, error) {
	if config.LeaseName == "" || config.Namespace == "" {
		return nil, fmt.Errorf("lease name and namespace are required for leader election")
	}
	if config.Identity == "" {
		return nil, fmt.Errorf("leader election identity is empty")
	}
	return &Elector{client: client, config: config, logger: logger}, nil
}

// Run campaigns for the lease until ctx is done. lead is called with a context that is
// cancelled when leadership is lost; Run then rejoins the election.
func (e *Elector) Run(ctx context.Context, lead func(ctx context.Context)) error {
	logger := e.logger.WithFields(logrus.Fields{
		"component": "leader_election",
		"lease":     e.config.Namespace + "/" + e.config.LeaseName,
		"identity":  e.config.Identity,
	})

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      e.config.LeaseName,
			Namespace: e.config.Namespace,
		},
		Client: e.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: e.config.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		Name:            e.config.LeaseName,
		LeaseDuration:   e.config.LeaseDuration,
		RenewDeadline:   e.config.RenewDeadline,
		RetryPeriod:     e.config.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(leaderCtx context.Context) {
				logger.Info("Acquired leadership")
				lead(leaderCtx)
			},
			OnStoppedLeading: func() {
				logger.Info("Lost leadership")
			},
			OnNewLeader: func(identity string) {
				if identity != e.config.Identity {
					logger.WithField("leader", identity).Info("Another replica holds the lease")
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create leader elector: %w", err)
	}

	for {
		elector.Run(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.config.RetryPeriod):
		}
	}
}
