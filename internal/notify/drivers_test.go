package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"beesense/internal/escalation"
	logx "beesense/pkg/logx"

	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

type fakeTelegram struct {
	nextID  int
	sent    []string
	deleted []int
	failDel bool
}

func (f *fakeTelegram) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.nextID++
	f.sent = append(f.sent, what.(string))
	return &tele.Message{ID: f.nextID, Chat: &tele.Chat{ID: 42}}, nil
}

func (f *fakeTelegram) Delete(msg tele.Editable) error {
	id, _ := msg.MessageSig()
	if f.failDel {
		return errors.New("message can't be deleted")
	}
	var n int
	for _, c := range id {
		n = n*10 + int(c-'0')
	}
	f.deleted = append(f.deleted, n)
	return nil
}

func TestTelegramReplacesMessagePerSlot(t *testing.T) {
	api := &fakeTelegram{}
	d := newTelegramWithAPI(TelegramConfig{ChatID: 42}, api, logx.Nop())
	ctx := context.Background()

	require.NoError(t, d.Notify(ctx, Build("h", 3, escalation.Info, time.Now())))
	require.NoError(t, d.Notify(ctx, Build("h", 3, escalation.Warning, time.Now())))
	require.NoError(t, d.Notify(ctx, Build("h", 4, escalation.Info, time.Now())))

	assert.Len(t, api.sent, 3)
	// Only the first INFO message is replaced; WARNING keeps its own slot.
	assert.Equal(t, []int{1}, api.deleted)
	assert.Contains(t, api.sent[1], "⚠️")
}

func TestTelegramDeleteFailureStillSends(t *testing.T) {
	api := &fakeTelegram{failDel: true}
	d := newTelegramWithAPI(TelegramConfig{ChatID: 42}, api, logx.Nop())
	ctx := context.Background()
	require.NoError(t, d.Notify(ctx, Build("h", 3, escalation.Info, time.Now())))
	require.NoError(t, d.Notify(ctx, Build("h", 3, escalation.Info, time.Now())))
	assert.Len(t, api.sent, 2)
}

type fakeKafka struct {
	msgs []kafka.Message
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}
func (f *fakeKafka) Close() error { return nil }

func TestKafkaKeysBySlot(t *testing.T) {
	w := &fakeKafka{}
	d := &kafkaDriver{w: w}
	require.NoError(t, d.Notify(context.Background(), Build("hive7", -2.5, escalation.Warning, time.Now())))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, SlotWarning, string(w.msgs[0].Key))

	var p map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &p))
	assert.Equal(t, "hive7", p["entity"])
}

type fakeShoutrrr struct {
	title, body string
	errs        []error
}

func (f *fakeShoutrrr) Send(message string, params *stypes.Params) []error {
	f.body = message
	f.title, _ = params.Title()
	return f.errs
}

func TestShoutrrrSendsTitleAndBody(t *testing.T) {
	s := &fakeShoutrrr{errs: []error{nil}}
	d := &shoutrrrDriver{sender: s}
	n := Build("hive7", 3, escalation.Alert, time.Now())
	require.NoError(t, d.Notify(context.Background(), n))
	assert.Equal(t, n.Title, s.title)
	assert.Equal(t, n.Body, s.body)

	s.errs = []error{nil, errors.New("gotify 500")}
	assert.Error(t, d.Notify(context.Background(), n))
}

func TestNewDriversRejectIncompleteConfig(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{Token: "x"}, logx.Nop())
	assert.Error(t, err)
	_, err = NewMQTT(MQTTConfig{}, logx.Nop())
	assert.Error(t, err)
	_, err = NewShoutrrr(ShoutrrrConfig{})
	assert.Error(t, err)
	_, err = NewKafka(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
}
