// ABOUTME: Tests for message rendering and the SES and log senders
// ABOUTME: SES is exercised through a fake client capturing SendEmail input

package mail

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEnvelope = Envelope{
	From:       "support@keygate.test",
	ReplyTo:    "support@keygate.test",
	ReturnPath: "support+bounce@keygate.test",
}

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestVerificationEmail(t *testing.T) {
	url := "https://keygate.test/verify/u/c"
	msg, err := VerificationEmail(testEnvelope, "alice@example.com", "alice", url)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", msg.To)
	assert.Equal(t, testEnvelope.From, msg.From)
	assert.Equal(t, testEnvelope.ReturnPath, msg.ReturnPath)
	assert.Equal(t, VerificationSubject, msg.Subject)
	assert.Contains(t, msg.Text, "Hi alice,")
	assert.Contains(t, msg.Text, url)
	assert.Contains(t, msg.HTML, `<a href="`+url+`">Verify my email</a>`)
}

func TestSESSender_Send(t *testing.T) {
	fake := &fakeSES{}
	s := &SESSender{client: fake}
	msg, err := VerificationEmail(testEnvelope, "alice@example.com", "alice", "https://keygate.test/verify/u/c")
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), msg))
	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, testEnvelope.From, aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"alice@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, []string{testEnvelope.ReplyTo}, in.ReplyToAddresses)
	assert.Equal(t, testEnvelope.ReturnPath, aws.ToString(in.FeedbackForwardingEmailAddress))
	assert.Equal(t, VerificationSubject, aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "UTF-8", aws.ToString(in.Content.Simple.Body.Html.Charset))
	assert.Equal(t, msg.Text, aws.ToString(in.Content.Simple.Body.Text.Data))
}

func TestSESSender_Errors(t *testing.T) {
	fake := &fakeSES{err: errors.New("throttled")}
	s := &SESSender{client: fake}

	err := s.Send(context.Background(), Message{To: "a@b.com"})
	assert.ErrorContains(t, err, "throttled")

	err = s.Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrNoRecipient)
	assert.Len(t, fake.inputs, 1, "no call without a recipient")
}

func TestNewSESSender_StaticCredentials(t *testing.T) {
	s, err := NewSESSender(context.Background(), SESConfig{
		Region:          "us-west-2",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Endpoint:        "http://localhost:4566",
	})
	require.NoError(t, err)
	assert.NotNil(t, s.client)
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := LogSender{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, s.Send(context.Background(), Message{To: "a@b.com", Subject: "hello"}))
	assert.Contains(t, buf.String(), "to=a@b.com")
	assert.Contains(t, buf.String(), "subject=hello")

	assert.ErrorIs(t, s.Send(context.Background(), Message{}), ErrNoRecipient)
}
