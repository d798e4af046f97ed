package signaling

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSendToClientAfterUnregister(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 4}, zap.NewNop())
	go hub.Run()

	client := NewClient("conn-1", nil, Options{SendBuffer: 4}, zap.NewNop())
	hub.RegisterClient(client)
	assert.True(t, hub.SendToClient("conn-1", Message{Type: MessageTypeConnected}))

	hub.UnregisterClient(client)
	assert.Eventually(t, func() bool {
		return !hub.SendToClient("conn-1", Message{Type: MessageTypeConnected})
	}, time.Second, time.Millisecond)
}

// A burst of per-client sends racing the unregister path must never panic on
// the closed send channel.
func TestSendToClientRacingUnregister(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 4}, zap.NewNop())
	go hub.Run()

	for i := 0; i < 200; i++ {
		client := NewClient("conn-1", nil, Options{SendBuffer: 4}, zap.NewNop())
		hub.RegisterClient(client)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.SendToClient("conn-1", Message{Type: MessageTypeConnected})
			}
		}()
		hub.UnregisterClient(client)
		wg.Wait()
	}
}
