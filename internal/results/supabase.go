package results

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/call-coach/internal/agent"
)

const DefaultTable = "simulations"

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Table          string
}

// SupabaseSink inserts one row per scored session.
type SupabaseSink struct {
	client *supabase.Client
	table  string
}

func NewSupabaseSink(cfg SupabaseConfig) (*SupabaseSink, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("results: missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("results: create Supabase client: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	return &SupabaseSink{client: client, table: table}, nil
}

// Record inserts the row. The postgrest client takes no context, so a
// cancelled ctx only short-circuits before the request.
func (s *SupabaseSink) Record(ctx context.Context, rec agent.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	row := BuildRow(rec)
	if _, _, err := s.client.From(s.table).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("results: insert into %s: %w", s.table, err)
	}
	log.Info("simulation saved", "session", rec.SessionID, "user", rec.UserID, "score", row.Score)
	return nil
}
