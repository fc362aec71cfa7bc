package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-control/internal/model"
)

func key(t *testing.T, org, phone string) model.ConversationKey {
	t.Helper()
	k, err := model.NewConversationKey(org, phone)
	require.NoError(t, err)
	return k
}

func TestAppend_AssignsIdentityAndOrder(t *testing.T) {
	s := NewStore()
	k := key(t, "A", "+15551230000")

	first := s.Append(k, "hello", model.SentByUser, model.MessageTypeText)
	second := s.Append(k, "hi there", model.SentByAgent, model.MessageTypeText)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, k, first.ConversationKey)

	msgs := s.List(k)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "hi there", msgs[1].Content)
}

func TestAppend_CapsAtFiftyOldestFirst(t *testing.T) {
	s := NewStore()
	k := key(t, "A", "+15551230000")

	for i := 1; i <= 51; i++ {
		s.Append(k, fmt.Sprintf("m%d", i), model.SentByUser, model.MessageTypeText)
	}

	msgs := s.List(k)
	require.Len(t, msgs, 50)
	assert.Equal(t, "m2", msgs[0].Content)
	assert.Equal(t, "m51", msgs[49].Content)
}

func TestList_IsolatedByOrganization(t *testing.T) {
	s := NewStore()
	a := key(t, "A", "+15551230000")
	b := key(t, "B", "+15551230000")

	s.Append(a, "for A", model.SentByUser, model.MessageTypeText)

	assert.Len(t, s.List(a), 1)
	assert.Empty(t, s.List(b))
}

func TestList_ReturnsSnapshot(t *testing.T) {
	s := NewStore()
	k := key(t, "A", "+15551230000")
	s.Append(k, "original", model.SentByUser, model.MessageTypeText)

	snapshot := s.List(k)
	snapshot[0].Content = "mutated"

	assert.Equal(t, "original", s.List(k)[0].Content)
}

func TestSummary_Overwrites(t *testing.T) {
	s := NewStore()
	k := key(t, "A", "+15551230000")

	_, ok := s.Summary(k)
	assert.False(t, ok)

	s.StoreSummary(k, "first recap")
	s.StoreSummary(k, "second recap")
	s.StoreSummary(k, "   ")

	sum, ok := s.Summary(k)
	require.True(t, ok)
	assert.Equal(t, "second recap", sum.Text)
}

func TestAppend_ConcurrentWritersKeepCap(t *testing.T) {
	s := NewStore(WithLimit(20))
	k := key(t, "A", "+15551230000")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.Append(k, fmt.Sprintf("%d-%d", i, j), model.SentByUser, model.MessageTypeText)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.List(k), 20)
}

func TestClear(t *testing.T) {
	s := NewStore()
	k := key(t, "A", "+15551230000")
	s.Append(k, "x", model.SentByUser, model.MessageTypeText)
	s.StoreSummary(k, "recap")

	s.Clear(k)

	assert.Empty(t, s.List(k))
	_, ok := s.Summary(k)
	assert.False(t, ok)
}
