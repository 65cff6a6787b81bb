// ABOUTME: Factory for creating scan services.
// ABOUTME: Centralizes provider instantiation and configuration logic.

package providers

import (
	"fmt"

	"github.com/jfeddern/anubis/internal/providers/dragonfly"
	"github.com/jfeddern/anubis/internal/providers/local"
	"github.com/jfeddern/anubis/internal/providers/mock"
	"github.com/sirupsen/logrus"
)

// ProviderConfig holds configuration for creating a scan service
type ProviderConfig struct {
	Provider    string // "dragonfly", "mock" or "local"
	Dragonfly   dragonfly.Config
	ResultsFile string
}

// CreateScanService creates a scan service based on configuration
func CreateScanService(config *ProviderConfig, logger *logrus.Logger) (ScanService, error) {
	switch config.Provider {
	case "dragonfly", "":
		client, err := dragonfly.NewClient(config.Dragonfly, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Dragonfly client: %w", err)
		}
		return client, nil
	case "mock":
		logger.Info("Using mock scan service for testing")
		return mock.NewMockScanner(logger), nil
	case "local":
		if config.ResultsFile == "" {
			return nil, fmt.Errorf("local provider requires a scan results file")
		}
		return local.NewLocalProvider(config.ResultsFile, logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", config.Provider)
	}
}
