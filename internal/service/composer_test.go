package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/store"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "hello", "hello", false},
		{"trimmed", "  hello \n", "hello", false},
		{"empty", "", "", true},
		{"whitespace", " \t\n ", "", true},
		{"invalid utf8", "\xff\xfe", "", true},
		{"at limit", strings.Repeat("a", MaxContentLength), strings.Repeat("a", MaxContentLength), false},
		{"over limit", strings.Repeat("a", MaxContentLength+1), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateContent(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidContent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComposerSendSuccess(t *testing.T) {
	fake := newFakeAPI()
	messages := store.NewMessageStore()
	c := NewComposer(fake, messages, time.Second, nopLogger(), nil)
	c.SetDraft(c2, "hello ")

	msg, err := c.Send(context.Background(), c2, " hello ")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, msg.DeliveryState)
	assert.Equal(t, "hello", msg.Content)
	assert.NotEmpty(t, msg.EchoID)
	assert.True(t, msg.IsLocal())
	assert.Empty(t, c.Draft(c2))

	thread := messages.Thread(c2)
	require.Len(t, thread, 1)
	assert.Equal(t, msg.ProvisionalID, thread[0].ProvisionalID)
	assert.Equal(t, model.DeliverySent, thread[0].DeliveryState)
}

func TestComposerPendingVisibleBeforeResponse(t *testing.T) {
	fake := newFakeAPI()
	release := make(chan struct{})
	fake.sendFn = func(ctx context.Context, key model.ConversationKey, content string, call int) error {
		<-release
		return nil
	}
	messages := store.NewMessageStore()
	c := NewComposer(fake, messages, time.Second, nopLogger(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Send(context.Background(), c2, "hello")
	}()

	require.Eventually(t, func() bool { return len(messages.Thread(c2)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, model.DeliveryPending, messages.Thread(c2)[0].DeliveryState)

	close(release)
	<-done
	assert.Equal(t, model.DeliverySent, messages.Thread(c2)[0].DeliveryState)
}

func TestComposerFailedSendKeepsMessageAndDraft(t *testing.T) {
	fake := newFakeAPI()
	fake.sendFn = func(ctx context.Context, key model.ConversationKey, content string, call int) error {
		if call == 1 {
			return errUnavailable
		}
		return nil
	}
	messages := store.NewMessageStore()
	c := NewComposer(fake, messages, time.Second, nopLogger(), nil)

	failed, err := c.Send(context.Background(), c2, "are you there?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailed))

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, failed.ProvisionalID, sendErr.ProvisionalID)
	assert.Equal(t, model.DeliveryFailed, failed.DeliveryState)
	assert.Equal(t, "are you there?", c.Draft(c2))

	thread := messages.Thread(c2)
	require.Len(t, thread, 1)
	assert.Equal(t, model.DeliveryFailed, thread[0].DeliveryState)

	retried, err := c.Retry(context.Background(), c2, failed.ProvisionalID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ProvisionalID, retried.ProvisionalID)
	assert.Equal(t, model.DeliverySent, retried.DeliveryState)
	assert.Empty(t, c.Draft(c2))

	thread = messages.Thread(c2)
	require.Len(t, thread, 1)
	assert.Equal(t, retried.ProvisionalID, thread[0].ProvisionalID)
}

func TestComposerFailedSendKeepsTextTypedMeanwhile(t *testing.T) {
	fake := newFakeAPI()
	var c *Composer
	fake.sendFn = func(ctx context.Context, key model.ConversationKey, content string, call int) error {
		c.SetDraft(key, "typed while sending")
		return errUnavailable
	}
	c = NewComposer(fake, store.NewMessageStore(), time.Second, nopLogger(), nil)
	c.SetDraft(c2, "first")

	_, err := c.Send(context.Background(), c2, "first")
	require.Error(t, err)
	assert.Equal(t, "typed while sending", c.Draft(c2))

	fake.sendFn = func(ctx context.Context, key model.ConversationKey, content string, call int) error {
		return errUnavailable
	}
	c.SetDraft(c2, " second ")
	_, err = c.Send(context.Background(), c2, "second")
	require.Error(t, err)
	assert.Equal(t, "second", c.Draft(c2))
}

func TestComposerRetryAndDiscardRules(t *testing.T) {
	fake := newFakeAPI()
	fake.sendFn = func(ctx context.Context, key model.ConversationKey, content string, call int) error {
		if content == "broken" {
			return errUnavailable
		}
		return nil
	}
	messages := store.NewMessageStore()
	c := NewComposer(fake, messages, time.Second, nopLogger(), nil)

	sent, err := c.Send(context.Background(), c2, "fine")
	require.NoError(t, err)

	_, err = c.Retry(context.Background(), c2, sent.ProvisionalID)
	assert.True(t, errors.Is(err, ErrNotRetryable))
	assert.True(t, errors.Is(c.Discard(c2, sent.ProvisionalID), ErrNotRetryable))

	_, err = c.Retry(context.Background(), c2, model.ProvisionalID(1<<60))
	assert.True(t, errors.Is(err, ErrMessageNotFound))

	failed, err := c.Send(context.Background(), c2, "broken")
	require.Error(t, err)
	require.NoError(t, c.Discard(c2, failed.ProvisionalID))

	thread := messages.Thread(c2)
	require.Len(t, thread, 1)
	assert.Equal(t, "fine", thread[0].Content)
}

func TestComposerRejectsInvalidContent(t *testing.T) {
	fake := newFakeAPI()
	messages := store.NewMessageStore()
	c := NewComposer(fake, messages, time.Second, nopLogger(), nil)

	_, err := c.Send(context.Background(), c2, "   ")
	assert.True(t, errors.Is(err, ErrInvalidContent))
	assert.Empty(t, messages.Thread(c2))
	assert.Zero(t, fake.count("send:business/C2"))
}

func TestComposerCancelledSendIsFailed(t *testing.T) {
	fake := newFakeAPI()
	fake.sendFn = func(ctx context.Context, key model.ConversationKey, content string, call int) error {
		<-ctx.Done()
		return ctx.Err()
	}
	messages := store.NewMessageStore()
	c := NewComposer(fake, messages, time.Second, nopLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	msg, err := c.Send(ctx, c2, "bye")
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, model.DeliveryFailed, msg.DeliveryState)
	assert.Equal(t, model.DeliveryFailed, messages.Thread(c2)[0].DeliveryState)
}

func TestComposerDraftsArePerConversation(t *testing.T) {
	c := NewComposer(newFakeAPI(), store.NewMessageStore(), time.Second, nopLogger(), nil)
	other := model.ConversationKey{Domain: model.DomainInfluencer, ID: "C2"}

	c.SetDraft(c2, "business text")
	c.SetDraft(other, "influencer text")
	assert.Equal(t, "business text", c.Draft(c2))
	assert.Equal(t, "influencer text", c.Draft(other))

	c.SetDraft(c2, "")
	assert.Empty(t, c.Draft(c2))
}
