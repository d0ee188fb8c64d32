package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-costintel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

func newArtifact(model ml.OutlierModel, table models.FeatureTable, trainedAt time.Time) (*models.ModelArtifact, error) {
	snapshot, err := model.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot model: %w", err)
	}
	columns, err := json.Marshal(table.Columns)
	if err != nil {
		return nil, fmt.Errorf("encode columns: %w", err)
	}
	params, err := json.Marshal(model.Params())
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return &models.ModelArtifact{
		ID:        uuid.New(),
		ModelName: DetectorModelName,
		Variant:   model.Variant(),
		TrainedAt: trainedAt,
		RowCount:  table.Len(),
		Columns:   columns,
		Params:    params,
		Snapshot:  snapshot,
	}, nil
}
