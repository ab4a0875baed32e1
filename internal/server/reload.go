// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-bitacross.
//
// go-bitacross is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package server

import (
	"github.com/jeremyhahn/go-bitacross/internal/config"
	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
)

// Reload applies the parts of cfg that can change without a restart. Only
// the log level is live; everything else needs a new process because the
// enclave identity, registries and listener are fixed at startup.
func (s *Server) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Logging.Level != s.config.Logging.Level {
		s.logger.Info("Updating log level",
			logger.String("old_level", s.config.Logging.Level),
			logger.String("new_level", cfg.Logging.Level))
		s.logLevel.Set(parseLevel(cfg.Logging.Level))
		s.config.Logging.Level = cfg.Logging.Level
	}
	if cfg.Logging.Format != s.config.Logging.Format {
		s.logger.Warn("log format changes require a restart",
			logger.String("format", cfg.Logging.Format))
	}
	return nil
}
