package notification

import (
	"context"
	"testing"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/fjod/stockcart/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe(t *testing.T) {
	s := store.NewMemoryStore(time.Second)
	t.Cleanup(func() { s.Close() })
	s.PutUser(9, domain.RoleAdmin)

	svc := NewSubscriptionService(s)
	ctx := context.Background()

	created, err := svc.Subscribe(ctx, 9, "https://push.example.com/a", Keys{P256dh: "k1", Auth: "a1"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.Subscribe(ctx, 9, "https://push.example.com/a", Keys{P256dh: "k2", Auth: "a2"})
	require.NoError(t, err)
	assert.False(t, created)

	subs, err := s.SubscriptionsForRole(ctx, domain.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "k2", subs[0].P256dh)
	assert.Equal(t, "a2", subs[0].Auth)
}

func TestSubscribe_Invalid(t *testing.T) {
	s := store.NewMemoryStore(time.Second)
	t.Cleanup(func() { s.Close() })
	svc := NewSubscriptionService(s)
	ctx := context.Background()

	tests := []struct {
		name     string
		endpoint string
		keys     Keys
	}{
		{"empty endpoint", "", Keys{P256dh: "k", Auth: "a"}},
		{"missing p256dh", "https://push.example.com/a", Keys{Auth: "a"}},
		{"missing auth", "https://push.example.com/a", Keys{P256dh: "k"}},
		{"relative endpoint", "/push/a", Keys{P256dh: "k", Auth: "a"}},
		{"unsupported scheme", "ftp://push.example.com/a", Keys{P256dh: "k", Auth: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Subscribe(ctx, 1, tt.endpoint, tt.keys)
			assert.ErrorIs(t, err, ErrInvalidSubscription)
		})
	}
}
