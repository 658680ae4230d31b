// Package push hands newly opened notification buckets to the device push transport.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/pkg/config"
	"github.com/soundchain/notifier/pkg/logging"
)

// Message is the payload consumed by the push transport
type Message struct {
	NotificationID int64  `json:"notification_id"`
	UserID         int64  `json:"user_id"`
	Type           string `json:"type"`
	EntityID       *int64 `json:"entity_id,omitempty"`
	Title          string `json:"title"`
	BlockNumber    int64  `json:"blocknumber"`
	// Milestone is the highest threshold reached, set for milestone types only
	Milestone int64 `json:"milestone,omitempty"`
}

var titles = map[models.NotificationType]string{
	models.NotifyTypeFollow:           "You have a new follower",
	models.NotifyTypeRepostTrack:      "Your track was reposted",
	models.NotifyTypeRepostAlbum:      "Your album was reposted",
	models.NotifyTypeRepostPlaylist:   "Your playlist was reposted",
	models.NotifyTypeFavoriteTrack:    "Your track was favorited",
	models.NotifyTypeFavoriteAlbum:    "Your album was favorited",
	models.NotifyTypeFavoritePlaylist: "Your playlist was favorited",
	models.NotifyTypeCreateTrack:      "New track from an artist you follow",
	models.NotifyTypeCreateAlbum:      "New album from an artist you follow",
	models.NotifyTypeCreatePlaylist:   "New playlist from an artist you follow",
	models.NotifyTypeMilestoneListen:  "Your track reached a listen milestone",
	models.NotifyTypeMilestoneFollow:  "You reached a follower milestone",
}

// Render builds the push payload for a bucket
func Render(n models.Notification) Message {
	title, ok := titles[n.Type]
	if !ok {
		title = "You have a new notification"
	}
	msg := Message{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           string(n.Type),
		EntityID:       n.Entity(),
		Title:          title,
		BlockNumber:    n.BlockNumber,
	}
	if n.Type.IsMilestone() {
		for _, a := range n.Actions {
			if a.ActionEntityID > msg.Milestone {
				msg.Milestone = a.ActionEntityID
			}
		}
	}
	return msg
}

// Publisher delivers new buckets to the push transport
type Publisher interface {
	Publish(ctx context.Context, notifs []models.Notification) error
	Close() error
}

// Noop drops every message
type Noop struct{}

// Publish implements Publisher
func (Noop) Publish(context.Context, []models.Notification) error { return nil }

// Close implements Publisher
func (Noop) Close() error { return nil }

// PubSubPublisher publishes rendered buckets to a Google Cloud Pub/Sub topic
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New returns a Pub/Sub publisher when push is enabled, otherwise Noop
func New(ctx context.Context, cfg *config.PushConfig, opts ...option.ClientOption) (Publisher, error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Push publishing disabled")
		return Noop{}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewPubSubPublisher(client, cfg.Topic), nil
}

// NewPubSubPublisher wraps an existing client
func NewPubSubPublisher(client *pubsub.Client, topic string) *PubSubPublisher {
	return &PubSubPublisher{
		client: client,
		topic:  client.Topic(topic),
		logger: logging.WithComponent("push").With(zap.String("topic", topic)),
	}
}

// Publish sends one message per bucket and waits for every result
func (p *PubSubPublisher) Publish(ctx context.Context, notifs []models.Notification) error {
	results := make([]*pubsub.PublishResult, 0, len(notifs))
	for _, n := range notifs {
		data, err := json.Marshal(Render(n))
		if err != nil {
			return fmt.Errorf("failed to marshal push message: %w", err)
		}
		results = append(results, p.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"type": string(n.Type)},
		}))
	}

	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to publish %d of %d push messages: %w", len(errs), len(results), errors.Join(errs...))
	}

	p.logger.Debug("Published push messages", zap.Int("count", len(results)))
	return nil
}

// Close flushes pending messages and closes the client
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
