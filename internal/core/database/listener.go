package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/models"
)

// ChangeChannel is the NOTIFY channel the triggers in postgres.sql publish on.
const ChangeChannel = "sleuth_changes"

const listenRetryDelay = 5 * time.Second

// Listener holds a dedicated pgx connection in LISTEN mode and forwards
// every notification to publish.
type Listener struct {
	databaseURL string
	publish     func(models.Change)
	logger      *zap.Logger
}

func NewListener(databaseURL string, publish func(models.Change), logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{databaseURL: databaseURL, publish: publish, logger: logger}
}

// Run blocks until ctx is cancelled, reconnecting after connection loss.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("change listener disconnected, retrying",
			zap.Error(err), zap.Duration("retry_in", listenRetryDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(listenRetryDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return err
	}
	l.logger.Info("listening for changes", zap.String("channel", ChangeChannel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		change, err := decodeNotification(n.Payload)
		if err != nil {
			l.logger.Warn("dropping malformed change notification", zap.Error(err), zap.String("payload", n.Payload))
			continue
		}
		l.publish(change)
	}
}

func decodeNotification(payload string) (models.Change, error) {
	var c models.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, err
	}
	if c.Table == "" || c.Op == "" {
		return c, errors.New("notification missing table or op")
	}
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	return c, nil
}
