package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adirai/community-api/internal/config"
	"github.com/adirai/community-api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) DialAndSend(msgs ...*gomail.Message) error {
	args := m.Called(msgs)
	return args.Error(0)
}

func testPost() *models.Post {
	return &models.Post{
		ID:          "post-1",
		Content:     "Flooding on East street",
		Category:    "alert",
		LocationTag: "ward-7",
		UrgentVotes: 10,
	}
}

func TestService_DispatchDeliveryPlan(t *testing.T) {
	var got DeliveryRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	svc := NewService(&config.Config{NotifyWebhookURL: server.URL})
	plan := models.DeliveryPlan{
		Tier:   "global",
		Reach:  300,
		Stages: []models.DeliveryStage{{Stage: "same_area", Users: 120, Area: "ward-7"}},
	}

	require.NoError(t, svc.DispatchDeliveryPlan(context.Background(), testPost(), plan))
	assert.Equal(t, "post-1", got.PostID)
	assert.Equal(t, "global", got.Tier)
	assert.Equal(t, 300, got.Reach)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "ward-7", got.Stages[0].Area)
}

func TestService_DispatchDeliveryPlanWebhookError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc := NewService(&config.Config{NotifyWebhookURL: server.URL})
	err := svc.DispatchDeliveryPlan(context.Background(), testPost(), models.DeliveryPlan{Tier: "local", Reach: 30})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestService_UnconfiguredIsNoop(t *testing.T) {
	svc := NewService(&config.Config{})
	assert.NoError(t, svc.DispatchDeliveryPlan(context.Background(), testPost(), models.DeliveryPlan{Tier: "local"}))
	assert.NoError(t, svc.SendAlert(context.Background(), &models.Alert{Type: "urgent_global", Title: "t"}))
}

func TestService_SendAlert(t *testing.T) {
	mailer := &MockMailer{}
	mailer.On("DialAndSend", mock.Anything).Return(nil).Once()

	svc := NewService(&config.Config{
		ModerationEmails: []string{"mods@example.org"},
		SMTPUsername:     "bot@example.org",
	}).WithMailer(mailer)

	alert := &models.Alert{
		Type:      "urgent_global",
		Title:     "Urgent post reached global delivery",
		Message:   "Post post-1 has 10 urgent votes",
		Post:      testPost(),
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, svc.SendAlert(context.Background(), alert))
	mailer.AssertExpectations(t)

	failing := &MockMailer{}
	failing.On("DialAndSend", mock.Anything).Return(errors.New("smtp down"))
	svc.WithMailer(failing)
	assert.Error(t, svc.SendAlert(context.Background(), alert))
}

func TestBuildAlertText(t *testing.T) {
	text := buildAlertText(&models.Alert{
		Title:     "Title",
		Message:   "Body",
		Post:      testPost(),
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	assert.Contains(t, text, "Post post-1 (alert, ward-7)")
	assert.Contains(t, text, "Flooding on East street")
}
