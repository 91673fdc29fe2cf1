package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

type Failure struct {
	RunId    string
	Vendor   string
	Pnr      string
	Code     string
	Detail   string
	Attempts int
}

// API lets operators know a retrieval needs a human.
type API interface {
	NotifyFailure(ctx context.Context, failure Failure) error
}

type Noop struct{}

func (Noop) NotifyFailure(context.Context, Failure) error {
	return nil
}

type SmtpConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	Recipients   []string `json:"recipients"`
}

type Smtp struct {
	config SmtpConfig
}

func NewSmtp(config SmtpConfig) Smtp {
	return Smtp{config: config}
}

func (s Smtp) message(failure Failure) *email.Email {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("GST Invoices <%s>", s.config.EmailAddress)
	mail.To = s.config.Recipients
	mail.Subject = fmt.Sprintf("[%s] invoice retrieval failed for %s", failure.Vendor, failure.Pnr)

	var body strings.Builder
	fmt.Fprintf(&body, "Run:      %s\n", failure.RunId)
	fmt.Fprintf(&body, "Vendor:   %s\n", failure.Vendor)
	fmt.Fprintf(&body, "PNR:      %s\n", failure.Pnr)
	fmt.Fprintf(&body, "Code:     %s\n", failure.Code)
	fmt.Fprintf(&body, "Attempts: %d\n", failure.Attempts)
	if failure.Detail != "" {
		fmt.Fprintf(&body, "\n%s\n", failure.Detail)
	}
	mail.Text = []byte(body.String())
	return mail
}

func (s Smtp) NotifyFailure(ctx context.Context, failure Failure) error {
	if len(s.config.Recipients) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mail := s.message(failure)
	addr := fmt.Sprintf("%s:%d", s.config.Server, s.config.Port)
	err := mail.Send(
		addr,
		smtp.PlainAuth("", s.config.EmailAddress, s.config.Password, s.config.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	if err != nil {
		return fmt.Errorf("send failure email: %w", err)
	}
	return nil
}
