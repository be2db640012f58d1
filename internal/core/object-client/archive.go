package objectclient

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/markdave123-py/Sleuth/internal/core"
)

// ResultArchive copies raw research results into a bucket.
type ResultArchive struct {
	client core.ObjectClient
	bucket string
}

func NewResultArchive(client core.ObjectClient, bucket string) *ResultArchive {
	return &ResultArchive{client: client, bucket: bucket}
}

// Key is research/{session_id}/{run_id}.json.
func Key(sessionID, runID string) string {
	return path.Join("research", sessionID, runID+".json")
}

// Archive stores raw under the run's key and returns its URL.
func (a *ResultArchive) Archive(ctx context.Context, sessionID, runID string, raw []byte) (string, error) {
	url, err := a.client.UploadFile(ctx, a.bucket, Key(sessionID, runID), bytes.NewReader(raw), "application/json")
	if err != nil {
		return "", fmt.Errorf("archive result %s: %w", runID, err)
	}
	return url, nil
}

// Remove deletes an archived result.
func (a *ResultArchive) Remove(ctx context.Context, sessionID, runID string) error {
	return a.client.DeleteFile(ctx, a.bucket, Key(sessionID, runID))
}
