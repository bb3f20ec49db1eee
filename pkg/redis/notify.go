package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/ingest"
)

// Notification kinds, the last segment of a channel name.
const (
	KindCommitted = "committed"
	KindExported  = "exported"
)

// NotificationPattern matches every stream's commit and export channels.
const NotificationPattern = "statex:*:*ed"

// CommitChannel is the Pub/Sub channel commits of stream are announced on.
func CommitChannel(stream string) string {
	return "statex:" + stream + ":" + KindCommitted
}

// ExportChannel announces that a commit reached the analytics mirror.
func ExportChannel(stream string) string {
	return "statex:" + stream + ":" + KindExported
}

// ParseChannel splits a notification channel into stream and kind. Both are empty for
// anything else.
func ParseChannel(channel string) (stream, kind string) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "statex" || parts[1] == "" {
		return "", ""
	}
	if parts[2] != KindCommitted && parts[2] != KindExported {
		return "", ""
	}
	return parts[1], parts[2]
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{})
}

// CommitNotifier announces commits so query processes can drop stale entity identities and
// push live updates.
type CommitNotifier struct {
	pub    publisher
	logger *zap.Logger
}

var _ ingest.Dispatcher = (*CommitNotifier)(nil)

func NewCommitNotifier(client *Client, logger *zap.Logger) *CommitNotifier {
	return &CommitNotifier{pub: client, logger: logger}
}

func (n *CommitNotifier) Dispatch(ctx context.Context, c *ingest.Commit) error {
	return n.Notify(ctx, c.Notification())
}

// Notify publishes a commit notification.
func (n *CommitNotifier) Notify(ctx context.Context, note ingest.Notification) error {
	return n.publish(ctx, CommitChannel(note.Stream), note)
}

// NotifyExported publishes that the commit's rows reached the analytics mirror.
func (n *CommitNotifier) NotifyExported(ctx context.Context, note ingest.Notification) error {
	return n.publish(ctx, ExportChannel(note.Stream), note)
}

func (n *CommitNotifier) publish(ctx context.Context, channel string, note ingest.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode commit notification: %w", err)
	}
	n.pub.Publish(ctx, channel, string(payload))
	n.logger.Debug("Published notification",
		zap.String("channel", channel),
		zap.String("commit_id", note.ID),
		zap.String("stream", note.Stream),
		zap.Uint64("height", note.LatestBlock.Height))
	return nil
}

// DecodeNotification parses a Pub/Sub payload.
func DecodeNotification(payload string) (ingest.Notification, error) {
	var note ingest.Notification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		return ingest.Notification{}, fmt.Errorf("decode commit notification: %w", err)
	}
	return note, nil
}
