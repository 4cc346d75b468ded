package verification

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ovaphlow/pitchfork/service-identity-link/internal/verification/entity"
)

// Message is one verification email request.
type Message struct {
	ToAddress string
	Code      string
	Mode      entity.Mode
}

// Channel delivers a code to an address. Delivery latency and success are
// outside the engine's control.
type Channel interface {
	Send(ctx context.Context, m Message) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, m Message) error

func (f ChannelFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

// SMTPConfig configures the mail relay.
type SMTPConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM" envDefault:"no-reply@localhost"`
	Language string `env:"LINK_LANGUAGE" envDefault:"en"`
}

// SMTPConfigFromEnv loads SMTP settings; an empty Host means no relay.
func SMTPConfigFromEnv() SMTPConfig {
	var cfg SMTPConfig
	_ = env.Parse(&cfg)
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return cfg
}

// SMTPChannel sends plain-text mail through an SMTP relay.
type SMTPChannel struct {
	cfg     SMTPConfig
	printer *message.Printer
	send    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPChannel(cfg SMTPConfig) *SMTPChannel {
	return &SMTPChannel{cfg: cfg, printer: NewPrinter(cfg.Language), send: smtp.SendMail}
}

func (c *SMTPChannel) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, body := Render(c.printer, m)
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.ToAddress)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	if err := c.send(addr, auth, c.cfg.From, []string{m.ToAddress}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogChannel writes the code to the log instead of mailing it. Development only.
type LogChannel struct {
	logger *zap.SugaredLogger
}

func NewLogChannel(logger *zap.SugaredLogger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Send(_ context.Context, m Message) error {
	c.logger.Infow("verification code (log channel)", "to", m.ToAddress, "mode", m.Mode, "code", m.Code)
	return nil
}

// NewPrinter returns a printer for the tag, falling back to English.
func NewPrinter(lang string) *message.Printer {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	return message.NewPrinter(tag)
}

// Render builds the subject and body of a verification email.
func Render(p *message.Printer, m Message) (subject, body string) {
	switch m.Mode {
	case entity.ModeLink:
		subject = p.Sprintf("verification.email.link.subject")
		body = p.Sprintf("verification.email.link.body", m.Code)
	default:
		subject = p.Sprintf("verification.email.register.subject")
		body = p.Sprintf("verification.email.register.body", m.Code)
	}
	return subject, body
}
