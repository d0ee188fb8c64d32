package main

import (
	"context"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/config"
	"github.com/kubilitics/kubilitics-costintel/internal/logging"
)

// watchConfig applies config file changes until ctx is done.
func watchConfig(ctx context.Context, updates <-chan config.Config, current config.Config, atom zap.AtomicLevel, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			current = applyConfig(current, next, atom, logger)
		}
	}
}

// applyConfig hot-applies the log level from next and returns the config now
// in effect. Other sections are read once at startup; a change to them is
// logged and takes effect on restart. An invalid next is ignored.
func applyConfig(current, next config.Config, atom zap.AtomicLevel, logger *zap.Logger) config.Config {
	if errs := next.Validate(); len(errs) > 0 {
		logger.Warn("Ignoring invalid configuration change", zap.Errors("errors", errs))
		return current
	}

	if next.Logging.Level != current.Logging.Level {
		if err := logging.SetLevel(atom, next.Logging.Level); err != nil {
			logger.Warn("Failed to apply log level", zap.Error(err))
			return current
		}
		logger.Info("Log level changed",
			zap.String("from", current.Logging.Level),
			zap.String("to", next.Logging.Level))
	}

	var restart []string
	for name, changed := range map[string]bool{
		"server":     !reflect.DeepEqual(current.Server, next.Server),
		"database":   !reflect.DeepEqual(current.Database, next.Database),
		"alert":      !reflect.DeepEqual(current.Alert, next.Alert),
		"detection":  !reflect.DeepEqual(current.Detection, next.Detection),
		"forecast":   !reflect.DeepEqual(current.Forecast, next.Forecast),
		"budget":     !reflect.DeepEqual(current.Budget, next.Budget),
		"telemetry":  !reflect.DeepEqual(current.Telemetry, next.Telemetry),
		"retrain":    !reflect.DeepEqual(current.Retrain, next.Retrain),
		"evaluation": current.Evaluation != next.Evaluation,
		"logging":    loggingOutputChanged(current, next),
	} {
		if changed {
			restart = append(restart, name)
		}
	}
	sort.Strings(restart)
	if len(restart) > 0 {
		logger.Warn("Configuration changed, restart to apply", zap.Strings("sections", restart))
	}
	return next
}

func loggingOutputChanged(current, next config.Config) bool {
	a, b := current.Logging, next.Logging
	a.Level, b.Level = "", ""
	return a != b
}
