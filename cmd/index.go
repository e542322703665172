package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remphq/opsassist/core/search"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the search index from operational data",
	Long: `Rebuild the semantic search index by embedding the current task
and facility records. Run after bulk data changes; the assistant uses
the index for retrieval during intent classification.`,
	RunE: runIndexRebuild,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	docs, err := loadDocuments(ctx, a)
	if err != nil {
		return err
	}

	indexed := 0
	for _, doc := range docs {
		vector, _, err := a.router.Embed(ctx, doc.Content)
		if err != nil {
			return fmt.Errorf("embed %s: %w", doc.ID, err)
		}
		if err := a.index.Upsert(ctx, doc, vector); err != nil {
			return fmt.Errorf("index %s: %w", doc.ID, err)
		}
		indexed++
	}

	fmt.Printf("Indexed %d documents.\n", indexed)
	return nil
}

// loadDocuments flattens tasks and facilities into searchable text.
func loadDocuments(ctx context.Context, a *app) ([]search.Document, error) {
	var docs []search.Document

	rows, err := a.store.DB().QueryContext(ctx, `
		SELECT t.id, t.title, t.status, COALESCE(f.name, '')
		FROM task_transaction t
		LEFT JOIN facility f ON f.id = t.facility_id`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for rows.Next() {
		var (
			id, status     int64
			title, faculty string
		)
		if err := rows.Scan(&id, &title, &status, &faculty); err != nil {
			rows.Close()
			return nil, err
		}
		content := fmt.Sprintf("Task: %s", title)
		if faculty != "" {
			content += fmt.Sprintf(" at %s", faculty)
		}
		docs = append(docs, search.Document{
			ID:      fmt.Sprintf("task-%d", id),
			Content: content,
			Metadata: map[string]string{
				"kind":   "task",
				"status": fmt.Sprint(status),
			},
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	facilities, err := a.store.DB().QueryContext(ctx,
		`SELECT id, name FROM facility`)
	if err != nil {
		return nil, fmt.Errorf("load facilities: %w", err)
	}
	defer facilities.Close()
	for facilities.Next() {
		var (
			id   int64
			name string
		)
		if err := facilities.Scan(&id, &name); err != nil {
			return nil, err
		}
		docs = append(docs, search.Document{
			ID:       fmt.Sprintf("facility-%d", id),
			Content:  fmt.Sprintf("Facility: %s", name),
			Metadata: map[string]string{"kind": "facility"},
		})
	}
	return docs, facilities.Err()
}
