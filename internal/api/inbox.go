package api

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/push"
	"github.com/soundchain/notifier/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// InboxAPI serves a user's notification inbox and read receipts
type InboxAPI struct {
	store store.Inbox
}

// NewInboxAPI creates a new inbox API
func NewInboxAPI(st store.Inbox) *InboxAPI {
	return &InboxAPI{store: st}
}

// ActionView is one actor or entity of a notification
type ActionView struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// NotificationView is the API rendering of a bucket
type NotificationView struct {
	ID          int64        `json:"id"`
	Type        string       `json:"type"`
	Title       string       `json:"title"`
	EntityID    *int64       `json:"entity_id,omitempty"`
	BlockNumber int64        `json:"blocknumber"`
	Timestamp   string       `json:"timestamp"`
	IsRead      bool         `json:"is_read"`
	Actions     []ActionView `json:"actions"`
}

func renderNotification(n models.Notification) NotificationView {
	view := NotificationView{
		ID:          n.ID,
		Type:        string(n.Type),
		Title:       push.Render(n).Title,
		EntityID:    n.Entity(),
		BlockNumber: n.BlockNumber,
		Timestamp:   n.Timestamp.UTC().Format(time.RFC3339),
		IsRead:      n.IsRead,
		Actions:     make([]ActionView, 0, len(n.Actions)),
	}
	for _, a := range n.Actions {
		view.Actions = append(view.Actions, ActionView{Type: string(a.ActionEntityType), ID: a.ActionEntityID})
	}
	return view
}

type userParams struct {
	UserID int64 `json:"user_id"`
}

func (p userParams) validate() error {
	if p.UserID <= 0 {
		return invalidParams("user_id is required")
	}
	return nil
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid parameters format: %v", err)
	}
	return nil
}

// List handles notifications.list
func (a *InboxAPI) List(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		userParams
		BeforeID int64 `json:"before_id"`
		Limit    int   `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	notifications, err := a.store.ListNotifications(ctx.Request.Context(), p.UserID, p.BeforeID, limit)
	if err != nil {
		return nil, err
	}
	unread, err := a.store.UnreadCount(ctx.Request.Context(), p.UserID)
	if err != nil {
		return nil, err
	}

	views := make([]NotificationView, 0, len(notifications))
	for _, n := range notifications {
		views = append(views, renderNotification(n))
	}
	return gin.H{
		"notifications": views,
		"unread_count":  unread,
	}, nil
}

// UnreadCount handles notifications.unread_count
func (a *InboxAPI) UnreadCount(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p userParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	count, err := a.store.UnreadCount(ctx.Request.Context(), p.UserID)
	if err != nil {
		return nil, err
	}
	return gin.H{"unread_count": count}, nil
}

// MarkRead handles notifications.mark_read. Reading a bucket closes it, so
// later activity opens a new one.
func (a *InboxAPI) MarkRead(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		userParams
		IDs []int64 `json:"ids"`
		All bool    `json:"all"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if !p.All && len(p.IDs) == 0 {
		return nil, invalidParams("ids or all is required")
	}

	var (
		updated int64
		err     error
	)
	if p.All {
		updated, err = a.store.MarkAllRead(ctx.Request.Context(), p.UserID)
	} else {
		updated, err = a.store.MarkRead(ctx.Request.Context(), p.UserID, p.IDs)
	}
	if err != nil {
		return nil, err
	}
	return gin.H{"updated": updated}, nil
}

// Hide handles notifications.hide
func (a *InboxAPI) Hide(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		userParams
		ID int64 `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.ID <= 0 {
		return nil, invalidParams("id is required")
	}

	if err := a.store.Hide(ctx.Request.Context(), p.UserID, p.ID); err != nil {
		return nil, err
	}
	return gin.H{"hidden": true}, nil
}
