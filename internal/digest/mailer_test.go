package digest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/pkg/config"
)

func testDigest() Digest {
	return Digest{
		User: models.User{ID: 7, Handle: "dj", Name: "DJ Seven", Email: "dj@example.com"},
		Notifications: []models.Notification{
			{
				ID:        3,
				UserID:    7,
				Type:      models.NotifyTypeFollow,
				Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
				Actions:   []models.NotificationAction{{ID: 1}, {ID: 2}},
			},
		},
	}
}

func TestSendgridMailerSend(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := NewSendgridMailer(&config.DigestConfig{
		SendgridAPIKey:     "test-key",
		FromEmail:          "noreply@example.com",
		FromName:           "Notifier",
		TemplateID:         "d-123",
		UnsubscribeGroupID: 42,
	})
	m.host = srv.URL

	require.NoError(t, m.Send(context.Background(), testDigest()))

	assert.Equal(t, "d-123", body["template_id"])
	assert.Equal(t, float64(42), body["asm"].(map[string]interface{})["group_id"])

	personalizations := body["personalizations"].([]interface{})
	require.Len(t, personalizations, 1)
	p := personalizations[0].(map[string]interface{})
	to := p["to"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "dj@example.com", to["email"])

	data := p["dynamic_template_data"].(map[string]interface{})
	assert.Equal(t, "DJ Seven", data["name"])
	assert.Equal(t, float64(1), data["count"])
	entry := data["notifications"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Follow", entry["type"])
	assert.Equal(t, float64(2), entry["count"])
}

func TestSendgridMailerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad template"}]}`))
	}))
	defer srv.Close()

	m := NewSendgridMailer(&config.DigestConfig{SendgridAPIKey: "test-key"})
	m.host = srv.URL

	err := m.Send(context.Background(), testDigest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestNewMailerWithoutKey(t *testing.T) {
	m := NewMailer(&config.DigestConfig{})
	assert.IsType(t, logMailer{}, m)
	assert.NoError(t, m.Send(context.Background(), testDigest()))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "DJ Seven", displayName(models.User{Name: "DJ Seven", Handle: "dj"}))
	assert.Equal(t, "dj", displayName(models.User{Handle: "dj"}))
}
