package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
)

func testConfig() Config {
	return Config{
		ListInterval:   20 * time.Millisecond,
		ThreadInterval: 10 * time.Millisecond,
		RequestTimeout: time.Second,
		DedupTolerance: time.Minute,
		DirectoryTTL:   time.Minute,
		EventBuffer:    256,
	}
}

func newTestInbox(t *testing.T, fake *fakeAPI) *Inbox {
	t.Helper()
	inbox := NewInbox(fake, testConfig(), nil, nopLogger())
	require.NoError(t, inbox.Mount())
	t.Cleanup(inbox.Close)
	return inbox
}

func countContent(list []model.Message, content string) (n int, last model.Message) {
	for _, m := range list {
		if m.Content == content {
			n++
			last = m
		}
	}
	return n, last
}

func TestInboxMountPollsBothDomains(t *testing.T) {
	fake := newFakeAPI()
	fake.setList(model.DomainBusiness, conversation(model.DomainBusiness, "B1", 2, t0))
	fake.setList(model.DomainInfluencer, conversation(model.DomainInfluencer, "I1", 3, t0))

	inbox := newTestInbox(t, fake)

	require.Eventually(t, func() bool {
		return len(inbox.Conversations(model.DomainBusiness)) == 1 &&
			len(inbox.Conversations(model.DomainInfluencer)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint(5), inbox.TotalUnread())
	assert.Equal(t, model.DomainBusiness, inbox.ActiveDomain())
	assert.Eventually(t, func() bool { return fake.count("list:influencer") >= 3 }, time.Second, 5*time.Millisecond)
}

func TestInboxSwitchDomainStopsThread(t *testing.T) {
	fake := newFakeAPI()
	c1 := model.ConversationKey{Domain: model.DomainBusiness, ID: "C1"}
	fake.setList(model.DomainBusiness, conversation(model.DomainBusiness, "C1", 4, t0))
	fake.setList(model.DomainInfluencer, conversation(model.DomainInfluencer, "I1", 7, t0))
	fake.setThread(c1, serverMessage(c1, "1", model.SenderCounterparty, "hi", t0))

	inbox := newTestInbox(t, fake)
	_, err := inbox.OpenConversation(c1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fake.count("messages:business/C1") >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, inbox.SwitchDomain(model.DomainInfluencer))
	_, open := inbox.ActiveConversation()
	assert.False(t, open)
	assert.Equal(t, model.DomainInfluencer, inbox.ActiveDomain())

	// A fetch already in flight may still be counted; after that none.
	time.Sleep(30 * time.Millisecond)
	fetches := fake.count("messages:business/C1")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, fetches, fake.count("messages:business/C1"))

	require.Eventually(t, func() bool {
		return inbox.DomainUnread(model.DomainInfluencer) == 7 && inbox.DomainUnread(model.DomainBusiness) == 4
	}, time.Second, 5*time.Millisecond)
}

func TestInboxDoubleStartResolvesOnce(t *testing.T) {
	fake := newFakeAPI()
	release := make(chan struct{})
	fake.createFn = func(ctx context.Context, d model.Domain, cp string, call int) error {
		<-release
		return nil
	}
	inbox := newTestInbox(t, fake)

	var (
		wg    sync.WaitGroup
		convs [2]model.Conversation
		errs  [2]error
	)
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			convs[n], errs[n] = inbox.StartConversationWith(context.Background(), "biz-42")
		}(n)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return fake.count("create:business/biz-42") == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, convs[0].ID, convs[1].ID)
	assert.Equal(t, 1, fake.count("create:business/biz-42"))

	active, ok := inbox.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, convs[0].ID, active.ID)
}

func TestInboxSendThenPollShowsOneCopy(t *testing.T) {
	fake := newFakeAPI()
	key := model.ConversationKey{Domain: model.DomainBusiness, ID: "C2"}
	fake.setList(model.DomainBusiness, conversation(model.DomainBusiness, "C2", 0, t0))

	inbox := newTestInbox(t, fake)
	_, err := inbox.OpenConversation(key)
	require.NoError(t, err)

	msg, err := inbox.ComposeAndSend(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, msg.DeliveryState)

	require.Eventually(t, func() bool {
		n, last := countContent(inbox.ActiveThread(), "hello")
		return n == 1 && !last.IsLocal()
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		n, last := countContent(inbox.ActiveThread(), "hello")
		require.Equal(t, 1, n)
		assert.Equal(t, model.DeliverySent, last.DeliveryState)
	}
}

func TestInboxFailedSendThenRetry(t *testing.T) {
	fake := newFakeAPI()
	key := model.ConversationKey{Domain: model.DomainBusiness, ID: "C3"}
	fake.sendFn = func(ctx context.Context, k model.ConversationKey, content string, call int) error {
		if call == 1 {
			return errUnavailable
		}
		return nil
	}

	inbox := newTestInbox(t, fake)
	_, err := inbox.OpenConversation(key)
	require.NoError(t, err)

	failed, err := inbox.ComposeAndSend(context.Background(), "are you there?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailed))
	assert.Equal(t, "are you there?", inbox.Draft())

	// The failed message survives thread ticks.
	time.Sleep(40 * time.Millisecond)
	n, last := countContent(inbox.ActiveThread(), "are you there?")
	require.Equal(t, 1, n)
	assert.Equal(t, model.DeliveryFailed, last.DeliveryState)
	assert.Equal(t, failed.ProvisionalID, last.ProvisionalID)

	retried, err := inbox.RetryMessage(context.Background(), failed.ProvisionalID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ProvisionalID, retried.ProvisionalID)

	require.Eventually(t, func() bool {
		n, last := countContent(inbox.ActiveThread(), "are you there?")
		return n == 1 && !last.IsLocal()
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, inbox.Draft())
}

func TestInboxOpenClearsUnread(t *testing.T) {
	fake := newFakeAPI()
	key := model.ConversationKey{Domain: model.DomainBusiness, ID: "C1"}
	fake.setList(model.DomainBusiness,
		conversation(model.DomainBusiness, "C1", 5, t0),
		conversation(model.DomainBusiness, "C4", 1, t0),
	)

	inbox := newTestInbox(t, fake)
	require.Eventually(t, func() bool { return inbox.TotalUnread() == 6 }, time.Second, 5*time.Millisecond)

	conv, err := inbox.OpenConversation(key)
	require.NoError(t, err)
	assert.Zero(t, conv.UnreadCount)
	assert.Equal(t, uint(1), inbox.TotalUnread())

	// List ticks keep reporting 5 for C1 while it is open.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, uint(1), inbox.TotalUnread())

	inbox.CloseConversation()
	require.Eventually(t, func() bool { return inbox.TotalUnread() == 6 }, time.Second, 5*time.Millisecond)
}

func TestInboxDeepLinkActivatesOnce(t *testing.T) {
	fake := newFakeAPI()
	release := make(chan struct{})
	fake.createFn = func(ctx context.Context, d model.Domain, cp string, call int) error {
		<-release
		return nil
	}
	inbox := newTestInbox(t, fake)
	link := model.DeepLink{ActivationID: "push-1", Domain: model.DomainInfluencer, CounterpartyID: "inf-9"}

	var (
		wg    sync.WaitGroup
		convs [3]model.Conversation
	)
	for n := range convs {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conv, err := inbox.ActivateDeepLink(context.Background(), link)
			assert.NoError(t, err)
			convs[n] = conv
		}(n)
	}
	require.Eventually(t, func() bool { return fake.count("create:influencer/inf-9") == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, convs[0].ID, convs[1].ID)
	assert.Equal(t, convs[0].ID, convs[2].ID)
	assert.Equal(t, model.DomainInfluencer, inbox.ActiveDomain())

	inbox.CloseConversation()
	again, err := inbox.ActivateDeepLink(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, convs[0].ID, again.ID)
	_, open := inbox.ActiveConversation()
	assert.False(t, open, "repeated activation does not reopen")
	assert.Equal(t, 1, fake.count("create:influencer/inf-9"))

	byConversation, err := inbox.ActivateDeepLink(context.Background(), model.DeepLink{Domain: model.DomainBusiness, ConversationID: "C7"})
	require.NoError(t, err)
	assert.Equal(t, "C7", byConversation.ID)
	active, ok := inbox.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, model.DomainBusiness, active.Domain)
}

func TestInboxDeepLinkWithoutActivationIDReopens(t *testing.T) {
	fake := newFakeAPI()
	inbox := newTestInbox(t, fake)
	byConversation := model.DeepLink{Domain: model.DomainBusiness, ConversationID: "C7"}

	_, err := inbox.ActivateDeepLink(context.Background(), byConversation)
	require.NoError(t, err)
	_, err = inbox.OpenConversation(model.ConversationKey{Domain: model.DomainBusiness, ID: "C8"})
	require.NoError(t, err)

	_, err = inbox.ActivateDeepLink(context.Background(), byConversation)
	require.NoError(t, err)
	active, ok := inbox.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, "C7", active.ID)

	push := model.DeepLink{ActivationID: "push-2", Domain: model.DomainInfluencer, CounterpartyID: "inf-3"}
	_, err = inbox.ActivateDeepLink(context.Background(), push)
	require.NoError(t, err)
	require.Equal(t, 1, fake.count("create:influencer/inf-3"))

	inbox.Unmount()
	require.NoError(t, inbox.Mount())

	_, open := inbox.ActiveConversation()
	require.False(t, open)
	_, err = inbox.ActivateDeepLink(context.Background(), push)
	require.NoError(t, err)
	active, ok = inbox.ActiveConversation()
	require.True(t, ok, "activation ids are forgotten on unmount")
	assert.Equal(t, model.DomainInfluencer, active.Domain)
}

func TestInboxDeepLinkValidation(t *testing.T) {
	inbox := newTestInbox(t, newFakeAPI())

	tests := []struct {
		name string
		link model.DeepLink
	}{
		{"unknown domain", model.DeepLink{Domain: "agency", CounterpartyID: "x"}},
		{"no target", model.DeepLink{Domain: model.DomainBusiness}},
		{"both targets", model.DeepLink{Domain: model.DomainBusiness, CounterpartyID: "x", ConversationID: "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := inbox.ActivateDeepLink(context.Background(), tt.link)
			assert.True(t, errors.Is(err, ErrInvalidDeepLink))
		})
	}
}

func TestInboxNoFetchAfterUnmount(t *testing.T) {
	fake := newFakeAPI()
	key := model.ConversationKey{Domain: model.DomainBusiness, ID: "C1"}
	inbox := NewInbox(fake, testConfig(), nil, nopLogger())
	require.NoError(t, inbox.Mount())

	_, err := inbox.OpenConversation(key)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fake.count("messages:business/C1") >= 2 }, time.Second, 5*time.Millisecond)

	inbox.Unmount()
	assert.False(t, inbox.Mounted())
	lists, threads := fake.count("list:business"), fake.count("messages:business/C1")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, lists, fake.count("list:business"))
	assert.Equal(t, threads, fake.count("messages:business/C1"))

	_, err = inbox.ComposeAndSend(context.Background(), "late")
	assert.True(t, errors.Is(err, ErrNotMounted))
	_, err = inbox.OpenConversation(key)
	assert.True(t, errors.Is(err, ErrNotMounted))

	inbox.Close()
}

func TestInboxHiddenPausesPolling(t *testing.T) {
	fake := newFakeAPI()
	inbox := newTestInbox(t, fake)
	require.Eventually(t, func() bool { return fake.count("list:business") >= 2 }, time.Second, 5*time.Millisecond)

	inbox.SetVisible(false)
	time.Sleep(30 * time.Millisecond)
	paused := fake.count("list:business")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, paused, fake.count("list:business"))

	inbox.SetVisible(true)
	assert.Eventually(t, func() bool { return fake.count("list:business") > paused }, time.Second, 5*time.Millisecond)
}

func TestInboxRequiresOpenConversation(t *testing.T) {
	inbox := newTestInbox(t, newFakeAPI())

	_, err := inbox.ComposeAndSend(context.Background(), "hello")
	assert.True(t, errors.Is(err, ErrNoActiveConversation))
	assert.True(t, errors.Is(inbox.SetDraft("x"), ErrNoActiveConversation))
	assert.True(t, errors.Is(inbox.DiscardMessage(1), ErrNoActiveConversation))
	assert.Empty(t, inbox.ActiveThread())

	_, err = inbox.OpenConversation(model.ConversationKey{Domain: model.DomainBusiness})
	assert.True(t, errors.Is(err, ErrInvalidConversation))
	assert.True(t, errors.Is(inbox.SwitchDomain("agency"), model.ErrUnknownDomain))
}

func TestInboxSubscribeReceivesEvents(t *testing.T) {
	fake := newFakeAPI()
	fake.setList(model.DomainBusiness, conversation(model.DomainBusiness, "B1", 1, t0))
	inbox := NewInbox(fake, testConfig(), nil, nopLogger())
	events, cancel := inbox.Subscribe()
	defer cancel()

	require.NoError(t, inbox.Mount())
	defer inbox.Close()

	seen := make(map[model.EventType]bool)
	timeout := time.After(time.Second)
	for !seen[model.EventConversationsUpdated] || !seen[model.EventUnreadUpdated] {
		select {
		case evt := <-events:
			seen[evt.Type] = true
		case <-timeout:
			t.Fatal("timed out waiting for list events")
		}
	}
}
