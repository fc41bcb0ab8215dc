// Package sms delivers passcode messages. Transport integrations live behind
// Sender; this package ships only the development log sender.
package sms

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// Sender delivers text to an E.164 phone number.
type Sender interface {
	Send(ctx context.Context, phone, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, phone, text string) error

func (f SenderFunc) Send(ctx context.Context, phone, text string) error {
	return f(ctx, phone, text)
}

// LogSender records a delivery in the log instead of sending it. The message
// text is not logged since it carries the code.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, phone, text string) error {
	s.logger.WithFields(logrus.Fields{
		"phone":  MaskPhone(phone),
		"length": len(text),
	}).Info("SMS delivery skipped (log sender)")
	return nil
}

// MaskPhone keeps the last four digits of phone for log correlation.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
