// ABOUTME: Tests for Lease-based leader election against the client-go fake clientset.
// ABOUTME: Verifies config validation, lease acquisition and that leadership work stops on cancel.

package election

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testConfig(identity string) Config {
	return Config{
		LeaseName:     "anubis",
		Namespace:     "security",
		Identity:      identity,
		LeaseDuration: time.Second,
		RenewDeadline: 500 * time.Millisecond,
		RetryPeriod:   100 * time.Millisecond,
	}
}

func TestNewElectorValidation(t *testing.T) {
	logger := logrus.New()
	client := fake.NewSimpleClientset()

	tests := []struct {
		name   string
		config Config
	}{
		{"missing lease name", Config{Namespace: "security", Identity: "a"}},
		{"missing namespace", Config{LeaseName: "anubis", Identity: "a"}},
		{"missing identity", Config{LeaseName: "anubis", Namespace: "security"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewElector(client, tt.config, logger)
			assert.Error(t, err)
		})
	}

	_, err := NewElector(client, testConfig("anubis-0"), logger)
	assert.NoError(t, err)
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("POD_NAME", "anubis-7d9c-abcde")

	config := DefaultConfig("anubis", "security")
	assert.Equal(t, "anubis-7d9c-abcde", config.Identity)
	assert.Greater(t, config.LeaseDuration, config.RenewDeadline)
	assert.Greater(t, config.RenewDeadline, config.RetryPeriod)
}

func TestElectorRunAcquiresLease(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	client := fake.NewSimpleClientset()

	elector, err := NewElector(client, testConfig("anubis-0"), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leading := make(chan struct{})
	leadDone := make(chan struct{})
	runDone := make(chan error, 1)

	go func() {
		runDone <- elector.Run(ctx, func(leaderCtx context.Context) {
			close(leading)
			<-leaderCtx.Done()
			close(leadDone)
		})
	}()

	select {
	case <-leading:
	case <-time.After(10 * time.Second):
		t.Fatal("never acquired leadership")
	}

	lease, err := client.CoordinationV1().Leases("security").Get(context.Background(), "anubis", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, lease.Spec.HolderIdentity)
	assert.Equal(t, "anubis-0", *lease.Spec.HolderIdentity)

	cancel()

	select {
	case <-leadDone:
	case <-time.After(10 * time.Second):
		t.Fatal("leader context was not cancelled")
	}
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSecondReplicaWaits(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	client := fake.NewSimpleClientset()

	first, err := NewElector(client, testConfig("anubis-0"), logger)
	require.NoError(t, err)
	second, err := NewElector(client, testConfig("anubis-1"), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstLeading := make(chan struct{})
	go func() {
		_ = first.Run(ctx, func(leaderCtx context.Context) {
			close(firstLeading)
			<-leaderCtx.Done()
		})
	}()

	select {
	case <-firstLeading:
	case <-time.After(10 * time.Second):
		t.Fatal("first replica never acquired leadership")
	}

	secondLeading := make(chan struct{}, 1)
	go func() {
		_ = second.Run(ctx, func(leaderCtx context.Context) {
			secondLeading <- struct{}{}
			<-leaderCtx.Done()
		})
	}()

	select {
	case <-secondLeading:
		t.Fatal("second replica acquired a lease that is still held")
	case <-time.After(2 * time.Second):
	}
}
