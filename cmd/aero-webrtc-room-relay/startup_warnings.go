package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

// Above this, rooms mix more than one sender per receiver track and raw
// payload-type pass-through is no longer guaranteed to decode.
const maxRelaySafeOccupancy = 2

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxOccupancy > maxRelaySafeOccupancy {
		logger.Warn("startup warning: room occupancy above 2 forwards every sender onto one outbound track per kind",
			"warning_code", "max_occupancy_above_two",
			"max_occupancy", cfg.MaxOccupancy,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.KeyframeRetryDelays) == 0 {
		logger.Warn("startup warning: keyframe retries after connect are disabled",
			"warning_code", "keyframe_retries_disabled",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will fail",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}

	for _, w := range cfg.Warnings() {
		logger.Warn("startup warning: "+w,
			"warning_code", "config",
			"mode", cfg.Mode,
		)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
