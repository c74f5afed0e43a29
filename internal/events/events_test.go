package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AP2-Orchestrator/internal/errors"
)

type recordingNotifier struct {
	channel string
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() string { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, nil, b)
	assert.Equal(t, []string{"a", "b"}, d.Channels())

	err := d.Notify(context.Background(), Event{Type: TypeOrderCompleted, SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel b")
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	assert.NoError(t, d.Notify(context.Background(), Event{}))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, n.Notify(context.Background(), Event{
		Type:      TypeCheckoutFailed,
		SessionID: "s1",
		Code:      xerrors.CodeDeclined,
		Severity:  xerrors.SeverityWarning,
		Metadata:  map[string]string{"cart_id": "cart_1"},
	}))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "checkout.failed", line["type"])
	assert.Equal(t, "cart_1", line["meta.cart_id"])
}

func TestKafkaNotifier(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "s1" {
			return errors.New("unexpected key " + string(key))
		}
		if msg.Topic != DefaultKafkaTopic {
			return errors.New("unexpected topic " + msg.Topic)
		}
		raw, _ := msg.Value.Encode()
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if e.Type != TypeOrderCompleted {
			return errors.New("unexpected type")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n := NewKafkaNotifierWithProducer(producer, "")
	require.NoError(t, n.Notify(context.Background(), Event{Type: TypeOrderCompleted, SessionID: "s1"}))

	err := n.Notify(context.Background(), Event{Type: TypeCheckoutFailed, SessionID: "s2"})
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
	require.NoError(t, n.Close())
}

func TestNewKafkaNotifierRequiresBrokers(t *testing.T) {
	_, err := NewKafkaNotifier(KafkaConfig{})
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestWebhookNotifier(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "challenge.required", r.Header.Get("X-AP2-Event"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	require.NoError(t, n.Notify(context.Background(), Event{Type: TypeChallengeRequired, SessionID: "s9"}))
	assert.Equal(t, "s9", got.SessionID)
}

func TestWebhookNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	err := NewWebhookNotifier(srv.URL, 0).Notify(context.Background(), Event{Type: TypeCheckoutFailed})
	assert.Equal(t, xerrors.CodeTransport, xerrors.CodeOf(err))

	assert.NoError(t, NewWebhookNotifier("", 0).Notify(context.Background(), Event{}))
}
