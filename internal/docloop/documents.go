package docloop

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/keboola/docloop/internal/watcher"
	"github.com/keboola/docloop/pkg/messages"
	"github.com/keboola/docloop/pkg/models"
)

// handleDocumentChanges records written documents and publishes the skills
// they feed. Removed files keep their Document node; nodes are only deleted
// explicitly.
func (a *App) handleDocumentChanges(ctx context.Context, changes []watcher.Change) {
	var changed []string
	for _, c := range changes {
		docID := models.DocumentID(c.Path)
		if c.Op.Removed() {
			log.Printf("[Watcher] %s was removed (%s), keeping %s", c.Path, c.Op, docID)
			a.publish(messages.DocumentChanged(docID, string(c.Op), "watcher"))
			continue
		}

		props := models.Properties{"modified_at": c.Time.UTC().Format(time.RFC3339)}
		if info, err := os.Stat(filepath.Join(a.config.Watcher.RootDir, filepath.FromSlash(c.Path))); err == nil {
			if info.IsDir() {
				continue
			}
			props["size"] = info.Size()
		}
		node, err := a.ingestor.UpsertDocument(ctx, c.Path, props)
		if err != nil {
			log.Printf("[Watcher] Warning: failed to record %s: %v", c.Path, err)
			continue
		}
		a.publish(messages.DocumentChanged(node.ID, string(c.Op), "watcher"))
		changed = append(changed, node.ID)
	}
	if len(changed) == 0 {
		return
	}
	if _, err := a.Regenerate(ctx, changed[0], changed...); err != nil {
		log.Printf("[Watcher] Warning: impact analysis failed: %v", err)
	}
}
