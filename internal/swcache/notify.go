package swcache

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/jmgilman/go/errors"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// Notifier displays push notifications.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(ctx context.Context, n *Notification) error {
	l.log.InfoContext(ctx, "notification",
		"title", n.Title,
		"body", n.Body,
		"icon", n.Icon,
		"badge", n.Badge,
		"vibrate", n.Vibrate,
		"date_of_arrival", n.Data.DateOfArrival,
		"primary_key", n.Data.PrimaryKey,
	)
	return nil
}

// ShoutrrrNotifier delivers notifications to shoutrrr service URLs
// (ntfy://, gotify://, ...).
type ShoutrrrNotifier struct {
	sender *router.ServiceRouter
}

func NewShoutrrrNotifier(urls []string) (*ShoutrrrNotifier, error) {
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "notifications.urls")
	}
	return &ShoutrrrNotifier{sender: sender}, nil
}

func (s *ShoutrrrNotifier) Notify(ctx context.Context, n *Notification) error {
	params := types.Params{}
	params.SetTitle(n.Title)
	var errs []error
	for _, err := range s.sender.Send(n.Body, &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), errors.CodeNetwork, "deliver notification")
	}
	return nil
}

// multiNotifier hands a notification to every notifier and joins failures.
type multiNotifier []Notifier

func (m multiNotifier) Notify(ctx context.Context, n *Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
