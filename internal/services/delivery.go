package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/averyhill/strongbox/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESMailer sends transactional email through AWS SES. It covers both
// channel login codes and password reset tokens.
type SESMailer struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewSESMailer creates a new SES-backed mailer
func NewSESMailer(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*SESMailer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESMailer{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

func (s *SESMailer) send(ctx context.Context, to, subject, textBody string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent",
		slog.String("subject", subject),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

// SendLoginCodeEmail delivers a one-time login code.
func (s *SESMailer) SendLoginCodeEmail(ctx context.Context, email, code string) error {
	body := fmt.Sprintf(`Your sign-in code is: %s

This code expires shortly. If you did not try to sign in, you can ignore
this email and your account will remain secure.
`, code)

	return s.send(ctx, email, "Your sign-in code", body)
}

// SendResetToken delivers a password reset token.
func (s *SESMailer) SendResetToken(ctx context.Context, email, token string, expiresAt time.Time) error {
	body := fmt.Sprintf(`A password reset was requested for your account.

Reset token: %s

This token expires at %s and can only be used once. If you did not request
a reset, you can ignore this email.
`, token, expiresAt.UTC().Format(time.RFC3339))

	return s.send(ctx, email, "Password reset request", body)
}

// MessengerClient delivers one-time codes through an external messaging
// provider's HTTP API.
type MessengerClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewMessengerClient creates a messenger delivery client
func NewMessengerClient(baseURL, authToken string, logger *slog.Logger) *MessengerClient {
	return &MessengerClient{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Send posts a login code message addressed to the recipient handle.
func (c *MessengerClient) Send(ctx context.Context, recipient, code string) error {
	payload, err := json.Marshal(map[string]string{
		"recipient": recipient,
		"message":   fmt.Sprintf("Your sign-in code is %s", code),
	})
	if err != nil {
		return fmt.Errorf("failed to encode messenger payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build messenger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("messenger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("messenger returned status %d", resp.StatusCode)
	}

	c.logger.Info("messenger code sent")
	return nil
}

// ChannelSender routes login codes to the delivery implementation for each
// channel method.
type ChannelSender struct {
	mailer    *SESMailer
	messenger *MessengerClient
}

// NewChannelSender creates a ChannelSender
func NewChannelSender(mailer *SESMailer, messenger *MessengerClient) *ChannelSender {
	return &ChannelSender{mailer: mailer, messenger: messenger}
}

func (d *ChannelSender) SendLoginCode(ctx context.Context, identity *models.Identity, method, code string) error {
	switch method {
	case models.SecondFactorEmail:
		if d.mailer == nil {
			return models.ErrServiceUnavailable
		}
		return d.mailer.SendLoginCodeEmail(ctx, identity.Email, code)
	case models.SecondFactorMessenger:
		if d.messenger == nil {
			return models.ErrServiceUnavailable
		}
		return d.messenger.Send(ctx, identity.Username, code)
	default:
		return models.ErrBadRequest
	}
}
