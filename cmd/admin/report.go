package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"pairchat/backend/internal/config"
	"text/tabwriter"
	"time"

	"github.com/lib/pq"
	"github.com/spf13/cobra"
)

// reportQuery aggregates session history per user. Users without sessions
// still get a row.
const reportQuery = `
SELECT u.user_id,
       COUNT(s.id) AS sessions,
       COUNT(s.id) FILTER (WHERE s.is_active) AS active,
       COALESCE(SUM(CASE WHEN s.user_a_id = u.user_id THEN s.message_count_a ELSE s.message_count_b END), 0) AS messages,
       MAX(s.created_at) AS last_session
FROM unnest($1::text[]) AS u(user_id)
LEFT JOIN sessions s ON s.user_a_id = u.user_id OR s.user_b_id = u.user_id
GROUP BY u.user_id
ORDER BY u.user_id`

type reportRow struct {
	UserID      string
	Sessions    int
	Active      int
	Messages    int
	LastSession sql.NullTime
}

func newReportCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "report <user_id>...",
		Short: "Summarize session history for users (postgres only)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("report needs the postgres driver, got %q", cfg.Database.Driver)
			}
			db, err := sql.Open("postgres", cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := loadReport(cmd.Context(), db, args)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), rows)
		},
	}
}

func loadReport(ctx context.Context, db *sql.DB, userIDs []string) ([]reportRow, error) {
	rows, err := db.QueryContext(ctx, reportQuery, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("report query: %w", err)
	}
	defer rows.Close()

	var out []reportRow
	for rows.Next() {
		var r reportRow
		if err := rows.Scan(&r.UserID, &r.Sessions, &r.Active, &r.Messages, &r.LastSession); err != nil {
			return nil, fmt.Errorf("report scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func writeReport(w io.Writer, rows []reportRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tSESSIONS\tACTIVE\tMESSAGES\tLAST SESSION")
	for _, r := range rows {
		last := "-"
		if r.LastSession.Valid {
			last = r.LastSession.Time.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", r.UserID, r.Sessions, r.Active, r.Messages, last)
	}
	return tw.Flush()
}
