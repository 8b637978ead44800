package swcache

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, *Notification) error { return f.err }

func TestLogNotifier(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, n.Notify(context.Background(), &Notification{Title: "CodingBull", Body: "hello"}))
	assert.Contains(t, buf.String(), "title=CodingBull")
	assert.Contains(t, buf.String(), "body=hello")
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	t.Parallel()
	errA := stderrors.New("a")
	errB := stderrors.New("b")
	rec := &recordingNotifier{}
	m := multiNotifier{failingNotifier{errA}, rec, failingNotifier{errB}}

	err := m.Notify(context.Background(), &Notification{Body: "x"})
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, rec.all(), 1, "later notifiers still run")
}

func TestShoutrrrNotifierRejectsUnknownService(t *testing.T) {
	t.Parallel()
	_, err := NewShoutrrrNotifier([]string{"nosuchservice://token@host"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}
