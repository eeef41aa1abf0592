package observability

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/model"
)

// HookErrorHandler returns the registry error handler: every callback
// failure is logged at warn and counted. The user-data points report
// failures as model.EnrichmentError, which are also counted per callback.
// metrics may be nil.
func HookErrorHandler(logger *zap.Logger, metrics *Metrics) hooks.ErrorHandler {
	return func(ctx context.Context, point, callback string, err error) {
		var enrichErr *model.EnrichmentError
		if errors.As(err, &enrichErr) {
			err = enrichErr
			if metrics != nil {
				metrics.RecordEnrichmentFailure(enrichErr.Callback)
			}
		}
		if metrics != nil {
			metrics.RecordHookFailure(point)
		}

		LoggerFrom(ctx, logger).Warn("extension callback failed",
			zap.String("point", point),
			zap.String("callback", callback),
			zap.Error(err),
		)
	}
}
