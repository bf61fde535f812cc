package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/events"
	"questline/internal/repo"
)

// ImportResult counts catalog import outcomes per template.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ImportCatalog upserts a validated catalog into the template store.
// Templates already referenced by assignments are immutable: an
// identical re-import is skipped, a changed one is an error.
func (e Engine) ImportCatalog(ctx context.Context, cat *config.Catalog, actorID string) (ImportResult, error) {
	var res ImportResult

	// Read phase: decide per template before opening the write
	// transaction, so template reads never race the import's own locks.
	type pending struct {
		kind, id string
		doc      any
	}
	var upserts []pending
	check := func(kind, id string, doc any) error {
		want, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal %s template %s: %w", kind, id, err)
		}
		stored, err := e.Repo.GetTemplateRaw(ctx, kind, id)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil {
			if bytes.Equal(bytes.TrimSpace(stored), want) {
				res.Skipped++
				return nil
			}
			referenced, err := e.Repo.TemplateReferenced(ctx, kind, id)
			if err != nil {
				return err
			}
			if referenced {
				return fmt.Errorf("%s template %s is referenced by assignments and cannot change", kind, id)
			}
		}
		upserts = append(upserts, pending{kind: kind, id: id, doc: doc})
		return nil
	}

	for id := range cat.Tasks {
		if err := check(domain.KindTask, id, cat.TaskTemplate(id)); err != nil {
			return res, err
		}
	}
	for id := range cat.Quests {
		if err := check(domain.KindQuest, id, cat.QuestTemplate(id)); err != nil {
			return res, err
		}
	}
	for id := range cat.Missions {
		if err := check(domain.KindMission, id, cat.MissionTemplate(id)); err != nil {
			return res, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for _, p := range upserts {
		if err := e.Repo.UpsertTemplate(ctx, tx, p.kind, p.id, p.doc); err != nil {
			return res, err
		}
		res.Imported++
	}

	if res.Imported > 0 {
		if err := e.Events.Append(ctx, tx, "catalog_imported", actorID, "",
			fmt.Sprintf("%d templates imported, %d unchanged", res.Imported, res.Skipped),
			events.EventPayload{"imported": res.Imported, "skipped": res.Skipped}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}
