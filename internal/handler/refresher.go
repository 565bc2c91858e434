package handler

import (
	"context"

	"github.com/marceconnect/marceconnect/internal/metrics"
	"github.com/marceconnect/marceconnect/internal/middleware"
	"github.com/marceconnect/marceconnect/internal/model"
)

// meteredRefresher はトークンリフレッシュの結果をメトリクスに記録する。
type meteredRefresher struct {
	next    middleware.TokenRefresher
	metrics metrics.MetricsCollector
}

// newMeteredRefresher はnextをメトリクス記録付きでラップする。
func newMeteredRefresher(next middleware.TokenRefresher, mc metrics.MetricsCollector) *meteredRefresher {
	return &meteredRefresher{next: next, metrics: mc}
}

func (m *meteredRefresher) Refresh(ctx context.Context, current model.FederatedSession) (model.FederatedSession, error) {
	next, err := m.next.Refresh(ctx, current)
	if err != nil {
		m.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return model.FederatedSession{}, err
	}
	m.metrics.RecordTokenRefresh(metrics.ResultSuccess)
	return next, nil
}
