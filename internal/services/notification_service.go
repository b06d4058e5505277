package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"

	"purchasekit/internal/models"
)

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type NotificationConfig struct {
	ProjectID       string
	CredentialsJSON string
	Topic           string
}

// NotificationService pushes purchase outcomes to an FCM topic.
type NotificationService struct {
	client messageSender
	topic  string
}

func NewNotificationService(ctx context.Context, cfg NotificationConfig) (*NotificationService, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("fcm topic is required")
	}
	if strings.TrimSpace(cfg.CredentialsJSON) == "" {
		return nil, errors.New("fcm credentials are required")
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID},
		option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &NotificationService{client: client, topic: cfg.Topic}, nil
}

func (s *NotificationService) NotifyTransaction(ctx context.Context, txn models.Transaction) error {
	_, err := s.client.Send(ctx, transactionMessage(s.topic, txn))
	return err
}

func transactionMessage(topic string, txn models.Transaction) *messaging.Message {
	data := map[string]string{
		"transaction_id": txn.ID,
		"product_id":     txn.ProductID,
		"state":          txn.State.String(),
	}
	if txn.Error != nil {
		data["error"] = txn.Error.Error()
	}
	return &messaging.Message{
		Topic: topic,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "5",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{ContentAvailable: true},
			},
		},
	}
}
