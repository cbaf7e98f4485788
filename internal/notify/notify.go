// Package notify tells people how a pipeline run ended.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers, even if some fail
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

// ForRun summarizes a finished run
func ForRun(run *domain.Run) Notification {
	n := Notification{RunID: run.ID}

	var took string
	if run.FinishedAt != nil {
		took = " in " + strings.TrimSpace(humanize.RelTime(run.StartedAt, *run.FinishedAt, "", ""))
	}

	var failed []string
	for _, b := range run.Builders {
		if b.Status == domain.BuilderFailed {
			failed = append(failed, b.Name)
		}
	}

	switch {
	case run.Status == domain.RunCompleted && run.Prefetch == domain.PrefetchDegraded:
		n.Type = NotifyWarning
		n.Title = "Ruleset build finished as a full rebuild"
		n.Message = fmt.Sprintf("Previous build unavailable; all builders succeeded%s.", took)
	case run.Status == domain.RunCompleted:
		n.Type = NotifySuccess
		n.Title = "Ruleset build finished"
		n.Message = fmt.Sprintf("%d builders succeeded%s (prefetch %s).", len(run.Builders), took, run.Prefetch)
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Ruleset build failed (exit %d)", run.ExitCode)
		switch {
		case len(failed) > 0:
			n.Message = fmt.Sprintf("Failed builders: %s.", strings.Join(failed, ", "))
		case run.Error != "":
			n.Message = run.Error
		default:
			n.Message = "The run did not complete."
		}
	}
	return n
}
