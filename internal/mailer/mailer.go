// Package mailer renders transactional emails and delivers them inline
// through Brevo, through a message queue, or to the log.
package mailer

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"
)

// Kind identifies the transactional email template.
type Kind string

const (
	KindVerificationCode Kind = "verification_code"
	KindPasswordReset    Kind = "password_reset"
)

// Email is a fully rendered message.
type Email struct {
	Kind    Kind   `json:"kind"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Mailer delivers a rendered email.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const expiryLayout = "Jan 2, 2006 15:04 MST"

// VerificationEmail renders the registration code email.
func VerificationEmail(to, username, code string, expiresAt time.Time) (Email, error) {
	html, err := render("verification_code.html", map[string]string{
		"Username":  username,
		"Code":      code,
		"ExpiresAt": expiresAt.UTC().Format(expiryLayout),
	})
	if err != nil {
		return Email{}, err
	}
	return Email{
		Kind:    KindVerificationCode,
		To:      to,
		Subject: "Your Saborly verification code",
		HTML:    html,
	}, nil
}

// PasswordResetEmail renders the password reset token email.
func PasswordResetEmail(to, token string, expiresAt time.Time) (Email, error) {
	html, err := render("password_reset.html", map[string]string{
		"Token":     token,
		"ExpiresAt": expiresAt.UTC().Format(expiryLayout),
	})
	if err != nil {
		return Email{}, err
	}
	return Email{
		Kind:    KindPasswordReset,
		To:      to,
		Subject: "Reset your Saborly password",
		HTML:    html,
	}, nil
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
