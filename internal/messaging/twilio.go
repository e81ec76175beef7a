package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SMSSender abstracts the Twilio REST call so tests can substitute a mock.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number in E.164 format.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// TwilioClient sends SMS through the Twilio REST API.
type TwilioClient struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioClient creates a Twilio SMS client, falling back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER
// environment variables for unset options.
func NewTwilioClient(opts ...Option) (*TwilioClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioClient{client: client, from: cfg.From}, nil
}

// SendSMS sends one SMS message.
func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("+" + to)
	params.SetFrom(c.from)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioClient.SendSMS: failed to send message", "error", err, "to", to)
		return fmt.Errorf("failed to send SMS: %w", err)
	}
	slog.Debug("TwilioClient.SendSMS: message sent", "to", to)
	return nil
}

// SMSService implements Service over an SMSSender.
type SMSService struct {
	sender SMSSender

	mu      sync.RWMutex
	stopped bool
}

// NewSMSService creates an SMS delivery service.
func NewSMSService(sender SMSSender) *SMSService {
	return &SMSService{sender: sender}
}

// ValidateAndCanonicalizeRecipient reduces the recipient to bare digits.
func (s *SMSService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// SendMessage sends one SMS to the recipient.
func (s *SMSService) SendMessage(ctx context.Context, to, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Warn("SMSService.SendMessage: recipient validation failed", "error", err, "to", to)
		return err
	}
	return s.sender.SendSMS(ctx, canonical, body)
}

// Stop marks the service stopped.
func (s *SMSService) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}
