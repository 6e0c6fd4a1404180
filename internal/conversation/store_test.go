package conversation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

func userMsg(text string) ports.Message {
	return ports.Message{Role: ports.RoleUser, Text: text}
}

func assistantMsg(text string) ports.Message {
	return ports.Message{Role: ports.RoleAssistant, Text: text}
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	s := NewStore()

	a, err := s.Append(userMsg("What is X?"))
	require.NoError(t, err)
	b, err := s.Append(assistantMsg("X is..."))
	require.NoError(t, err)

	assert.Less(t, a, b)

	msgs := s.List()
	require.Len(t, msgs, 2)
	assert.Equal(t, ports.RoleUser, msgs[0].Role)
	assert.Equal(t, ports.AudioNone, msgs[1].AudioState)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestAppendRejectsInvalidMessages(t *testing.T) {
	s := NewStore()

	cases := []ports.Message{
		userMsg("   "),
		{Role: "system", Text: "hi"},
		{Role: ports.RoleUser, Text: "hi", AudioState: ports.AudioGenerating},
		{Role: ports.RoleUser, Text: "hi", AudioRef: "/audio/a.wav"},
	}
	for _, m := range cases {
		_, err := s.Append(m)
		assert.ErrorIs(t, err, ports.ErrInvalidInput)
	}
	assert.Equal(t, 0, s.Len())
}

func TestPatchOnlyTouchesAssistantAudio(t *testing.T) {
	s := NewStore()
	u, _ := s.Append(userMsg("q"))
	a, _ := s.Append(ports.Message{Role: ports.RoleAssistant, Text: "a", AudioState: ports.AudioGenerating})

	ref := "/audio/r1.wav"
	assert.False(t, s.Patch(u, ports.AudioPatch{State: ports.AudioReady, Ref: &ref}))
	assert.True(t, s.Patch(a, ports.AudioPatch{State: ports.AudioReady, Ref: &ref}))

	got, ok := s.Get(a)
	require.True(t, ok)
	assert.Equal(t, ports.AudioReady, got.AudioState)
	assert.Equal(t, ref, got.AudioRef)
	assert.Equal(t, "a", got.Text)

	user, _ := s.Get(u)
	assert.Equal(t, ports.AudioNone, user.AudioState)
}

func TestPatchAfterClearIsNoop(t *testing.T) {
	s := NewStore()
	id, _ := s.Append(ports.Message{Role: ports.RoleAssistant, Text: "a", AudioState: ports.AudioGenerating})

	s.Clear()

	assert.False(t, s.Patch(id, ports.AudioPatch{State: ports.AudioFailed}))
	assert.Empty(t, s.List())

	next, _ := s.Append(assistantMsg("b"))
	assert.Greater(t, next, id, "ids are not reused after clear")
}

func TestConcurrentAppendsKeepOrder(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Append(assistantMsg(fmt.Sprintf("m%d", i)))
			if err == nil {
				s.Patch(id, ports.AudioPatch{State: ports.AudioFailed})
			}
		}(i)
	}
	wg.Wait()

	msgs := s.List()
	require.Len(t, msgs, 50)
	for i := 1; i < len(msgs); i++ {
		assert.Less(t, msgs[i-1].ID, msgs[i].ID)
		assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
	}
}
