package nats

import (
	"testing"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
)

func TestEventSubject(t *testing.T) {
	tests := []struct {
		domain model.Domain
		typ    model.EventType
		want   string
	}{
		{model.DomainBusiness, model.EventThreadUpdated, "inbox.business.thread_updated"},
		{model.DomainInfluencer, model.EventUnreadUpdated, "inbox.influencer.unread_updated"},
		{"", model.EventActiveChanged, "inbox.all.active_changed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, EventSubject(tt.domain, tt.typ))
		})
	}
}

func TestDomainFilter(t *testing.T) {
	assert.Equal(t, "inbox.business.>", DomainFilter(model.DomainBusiness))
	assert.Equal(t, "inbox.>", DomainFilter(""))
}

func TestConnectOptions(t *testing.T) {
	opts, err := connectOptions(Config{Name: "inbox", Token: "secret"}, logger.NewNop())
	require.NoError(t, err)

	var o natsgo.Options
	for _, opt := range opts {
		require.NoError(t, opt(&o))
	}
	assert.Equal(t, "inbox", o.Name)
	assert.Equal(t, "secret", o.Token)
	assert.Equal(t, -1, o.MaxReconnect)
	assert.Nil(t, o.TLSConfig)

	_, err = connectOptions(Config{CAFile: "missing-ca.pem", CertFile: "c.pem", KeyFile: "k.pem"}, logger.NewNop())
	assert.ErrorContains(t, err, "TLS")
}
