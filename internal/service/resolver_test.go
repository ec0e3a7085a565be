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
	"github.com/capitalize-ai/marketplace-inbox/internal/store"
)

func TestResolverConcurrentCallsShareOneRequest(t *testing.T) {
	fake := newFakeAPI()
	release := make(chan struct{})
	fake.createFn = func(ctx context.Context, d model.Domain, cp string, call int) error {
		<-release
		return nil
	}

	conversations := store.NewConversationStore()
	r := NewResolver(fake, conversations, time.Second, nopLogger())

	const callers = 10
	results := make([]model.Conversation, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for n := 0; n < callers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = r.Resolve(context.Background(), model.DomainBusiness, "biz-42")
		}(n)
	}

	require.Eventually(t, func() bool { return fake.count("create:business/biz-42") == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, fake.count("create:business/biz-42"))
	for n := 0; n < callers; n++ {
		require.NoError(t, errs[n])
		assert.Equal(t, results[0].ID, results[n].ID)
		assert.Equal(t, "biz-42", results[n].Counterparty.ID)
	}
	assert.Len(t, conversations.List(model.DomainBusiness), 1)
}

func TestResolverReturnsStoredConversation(t *testing.T) {
	fake := newFakeAPI()
	conversations := store.NewConversationStore()
	existing := conversation(model.DomainInfluencer, "C9", 0, time.Now())
	conversations.Insert(existing)

	r := NewResolver(fake, conversations, time.Second, nopLogger())
	conv, err := r.Resolve(context.Background(), model.DomainInfluencer, existing.Counterparty.ID)

	require.NoError(t, err)
	assert.Equal(t, "C9", conv.ID)
	assert.Zero(t, fake.count("create:influencer/"+existing.Counterparty.ID))
}

func TestResolverFailureMutatesNothing(t *testing.T) {
	fake := newFakeAPI()
	fake.createFn = func(ctx context.Context, d model.Domain, cp string, call int) error {
		if call == 1 {
			return errUnavailable
		}
		return nil
	}

	conversations := store.NewConversationStore()
	r := NewResolver(fake, conversations, time.Second, nopLogger())

	_, err := r.Resolve(context.Background(), model.DomainBusiness, "biz-7")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResolveFailed))
	assert.True(t, errors.Is(err, errUnavailable))
	assert.Empty(t, conversations.List(model.DomainBusiness))

	conv, err := r.Resolve(context.Background(), model.DomainBusiness, "biz-7")
	require.NoError(t, err)
	assert.Equal(t, "biz-7", conv.Counterparty.ID)
	assert.Equal(t, 2, fake.count("create:business/biz-7"))
}

func TestResolverRejectsInvalidInput(t *testing.T) {
	r := NewResolver(newFakeAPI(), store.NewConversationStore(), time.Second, nopLogger())

	_, err := r.Resolve(context.Background(), model.Domain("agency"), "x")
	assert.True(t, errors.Is(err, ErrResolveFailed))
	assert.True(t, errors.Is(err, model.ErrUnknownDomain))

	_, err = r.Resolve(context.Background(), model.DomainBusiness, "   ")
	assert.True(t, errors.Is(err, ErrResolveFailed))
}

func TestResolverCallerCancelDoesNotCancelSharedRequest(t *testing.T) {
	fake := newFakeAPI()
	release := make(chan struct{})
	fake.createFn = func(ctx context.Context, d model.Domain, cp string, call int) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r := NewResolver(fake, store.NewConversationStore(), time.Second, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, model.DomainBusiness, "biz-1")
		first <- err
	}()

	second := make(chan model.Conversation, 1)
	require.Eventually(t, func() bool { return fake.count("create:business/biz-1") == 1 }, time.Second, time.Millisecond)
	go func() {
		conv, _ := r.Resolve(context.Background(), model.DomainBusiness, "biz-1")
		second <- conv
	}()

	cancel()
	err := <-first
	assert.True(t, errors.Is(err, ErrCancelled))

	close(release)
	conv := <-second
	assert.Equal(t, "biz-1", conv.Counterparty.ID)
	assert.Equal(t, 1, fake.count("create:business/biz-1"))
}
