package process

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/larkacp/internal/config"
	"github.com/kandev/larkacp/internal/logger"
)

func TestStartSelectsSSETransportWhenURLTemplateSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		<-r.Context().Done()
	}))
	defer srv.Close()

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.AgentConfig{SSEURLTemplate: srv.URL + "/%s", KillGraceSeconds: 1}
	m := NewManager(cfg, log)

	proc, err := m.Spawn(context.Background(), "session-1", t.TempDir())
	require.NoError(t, err)
	assert.True(t, proc.IsAlive())
	assert.NotNil(t, proc.Bridge())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, proc.Stop(ctx))
}
