package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldgate/fieldgate/pkg/model"
)

func (s *Store) CreateDashboard(ctx context.Context, d *model.Dashboard) error {
	if d.ExternalID == uuid.Nil {
		d.ExternalID = uuid.New()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dashboards (external_id, name) VALUES (?, ?)`,
		d.ExternalID, d.Name)
	if err != nil {
		return fmt.Errorf("insert dashboard: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

func (s *Store) CreateWidget(ctx context.Context, w *model.DashboardWidget) error {
	if w.ExternalID == uuid.Nil {
		w.ExternalID = uuid.New()
	}
	if w.Config == "" {
		w.Config = "{}"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dashboard_widgets (dashboard_id, external_id, widget_type, tag_id, config) VALUES (?, ?, ?, ?, ?)`,
		w.DashboardID, w.ExternalID, w.WidgetType, w.TagID, w.Config)
	if err != nil {
		return fmt.Errorf("insert widget: %w", err)
	}
	w.ID, err = res.LastInsertId()
	return err
}

// WidgetTagIDs resolves a dashboard to the external ids of the tags its
// widgets display. Websocket sessions use this to subscribe to a whole
// dashboard in one message.
func (s *Store) WidgetTagIDs(ctx context.Context, dashboardExternalID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT t.external_id
		   FROM dashboard_widgets w
		   JOIN dashboards d ON d.id = w.dashboard_id
		   JOIN tags t ON t.id = w.tag_id
		  WHERE d.external_id = ?
		  ORDER BY t.external_id`,
		dashboardExternalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select widget tags: %w", err)
	}
	return ids, nil
}
