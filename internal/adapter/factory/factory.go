// Package factory constructs platform adapters from configuration tags.
// It sits outside the adapter package so the platform implementations can
// share the common adapter types without an import cycle.
package factory

import (
	"fmt"
	"log/slog"

	"satorigate/internal/adapter"
	"satorigate/internal/adapter/kook"
	"satorigate/internal/adapter/onebot"
	"satorigate/internal/adapter/qq"
	"satorigate/internal/adapter/villa"
	"satorigate/internal/config"
)

// New builds the adapter for cfg.Platform.
func New(cfg config.Bot, logger *slog.Logger) (adapter.Adapter, error) {
	switch cfg.Platform {
	case "onebot":
		return onebot.New(cfg, logger), nil
	case "kook":
		return kook.New(cfg, logger), nil
	case "mihoyo":
		return villa.New(cfg, logger), nil
	case qq.PlatformGuild, qq.PlatformGroup:
		return qq.New(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}
}
