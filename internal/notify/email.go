// Package notify sends owner-facing email and publishes internal job events.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// Sender delivers a plain-text email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends through Amazon SES v2.
type SESSender struct {
	client    sesAPI
	fromEmail string
}

func NewSESSender(cfg aws.Config, fromEmail string) (*SESSender, error) {
	if fromEmail == "" {
		return nil, fmt.Errorf("%w: SES_FROM_EMAIL is not set", models.ErrValidation)
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg), fromEmail: fromEmail}, nil
}

func (s *SESSender) Send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("%w: empty recipient", models.ErrValidation)
	}
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: ses send: %v", models.ErrExternalService, err)
	}
	return nil
}

// LogSender writes emails to the logger instead of sending them. Used in dev.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("email (not sent)", "to", to, "subject", subject, "bytes", len(body))
	return nil
}
