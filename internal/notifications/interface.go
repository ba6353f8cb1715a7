package notifications

import (
	"context"

	"github.com/adirai/community-api/internal/models"
)

// NotificationInterface defines the contract for notification services
type NotificationInterface interface {
	DispatchDeliveryPlan(ctx context.Context, post *models.Post, plan models.DeliveryPlan) error
	SendAlert(ctx context.Context, alert *models.Alert) error
}
