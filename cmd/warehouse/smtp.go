package main

import (
	"fmt"
	"net/smtp"

	"github.com/sawpanic/marketwarehouse/internal/config"
)

// smtpSender is the production observability.EmailSender backing critical
// alert delivery. No third-party SMTP client appears anywhere in the
// example corpus, so this is the one ambient concern left on the standard
// library (net/smtp) rather than ported from an unrelated dependency.
type smtpSender struct {
	cfg config.Config
}

func newSMTPSender(cfg *config.Config) *smtpSender {
	return &smtpSender{cfg: *cfg}
}

func (s *smtpSender) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.AlertSMTPHost, s.cfg.AlertSMTPPort)
	var auth smtp.Auth
	if s.cfg.AlertSMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.AlertSMTPUser, s.cfg.AlertSMTPPassword, s.cfg.AlertSMTPHost)
	}
	msg := []byte("Subject: " + subject + "\r\n\r\n" + body + "\r\n")
	return smtp.SendMail(addr, auth, s.cfg.AlertFromEmail, []string{s.cfg.AlertEmailTo}, msg)
}
