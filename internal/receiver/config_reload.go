package receiver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/SkynetNext/piecebuf/internal/config"
	"github.com/SkynetNext/piecebuf/internal/logger"
	"github.com/SkynetNext/piecebuf/internal/ratelimit"
)

// UpdateConfig applies a reloaded configuration.
// Limits, timeouts and the in-flight cap take effect for new connections;
// the listen address, health port and buffer pool sizing require a restart.
func (s *Server) UpdateConfig(newConfig *config.Config) error {
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.configMu.Lock()
	defer s.configMu.Unlock()

	old := s.config

	if newConfig.Server.ListenAddr != old.Server.ListenAddr ||
		newConfig.Server.HealthCheckPort != old.Server.HealthCheckPort {
		logger.L.Warn("listen address changes require a restart",
			zap.String("listen_addr", old.Server.ListenAddr),
			zap.Int("health_check_port", old.Server.HealthCheckPort),
		)
	}

	if newConfig.Security.MaxConnections != old.Security.MaxConnections {
		s.rateLimiter = ratelimit.NewLimiter(int64(newConfig.Security.MaxConnections))
		logger.L.Info("rate limiter updated",
			zap.Int("old_max", old.Security.MaxConnections),
			zap.Int("new_max", newConfig.Security.MaxConnections),
		)
	}

	if newConfig.Security.MaxConnectionsPerIP != old.Security.MaxConnectionsPerIP ||
		newConfig.Security.ConnectionRateLimit != old.Security.ConnectionRateLimit {
		s.ipLimiter = ratelimit.NewIPLimiter(
			newConfig.Security.MaxConnectionsPerIP,
			newConfig.Security.ConnectionRateLimit,
		)
		logger.L.Info("IP limiter updated",
			zap.Int("old_max_per_ip", old.Security.MaxConnectionsPerIP),
			zap.Int("new_max_per_ip", newConfig.Security.MaxConnectionsPerIP),
			zap.Int("old_rate_limit", old.Security.ConnectionRateLimit),
			zap.Int("new_rate_limit", newConfig.Security.ConnectionRateLimit),
		)
	}

	s.config = newConfig

	logger.L.Info("configuration updated successfully")
	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (s *Server) GetConfig() *config.Config {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config
}
