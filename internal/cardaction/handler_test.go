package cardaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/larkacp/internal/config"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/process"
	"github.com/kandev/larkacp/internal/session"
	"github.com/kandev/larkacp/internal/store"
)

type fakeCardTransport struct {
	text       []string
	configOpen bool
}

func (f *fakeCardTransport) PatchText(ctx context.Context, cardID, messageID, text string) error {
	f.text = append(f.text, text)
	return nil
}
func (f *fakeCardTransport) OpenConfigDetail(ctx context.Context, chatID, configID, label string, choices []string) error {
	f.configOpen = true
	return nil
}

func newTestDeps(t *testing.T) (Deps, *fakeCardTransport) {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	arena := session.NewArena()
	locks := session.NewLocks()
	procs := process.NewManager(&config.AgentConfig{UseMockAgent: true, KillGraceSeconds: 5}, log)
	ft := &fakeCardTransport{}

	return Deps{
		Store:          s,
		Processes:      procs,
		Projects:       session.NewActiveProjects(),
		Lookup:         arena,
		Locks:          locks,
		Transport:      ft,
		Logger:         log,
		BaseWorkingDir: t.TempDir(),
	}, ft
}

func TestSessionSelectBindsProjectAndPatchesCard(t *testing.T) {
	deps, ft := newTestDeps(t)
	ctx := context.Background()

	sess := &store.Session{ID: uuid.NewString(), ChatID: "chat-1", ProjectID: "proj-1", WorkingDir: "/tmp"}
	require.NoError(t, deps.Store.CreateSession(ctx, sess))

	h := NewHandler(deps)
	err := h.Handle(ctx, Callback{Action: ActionSessionSelect, ChatID: "chat-1", SessionID: sess.ID})
	require.NoError(t, err)

	projectID, ok := deps.Projects.ActiveProject("chat-1")
	assert.True(t, ok)
	assert.Equal(t, "proj-1", projectID)
	assert.Contains(t, ft.text[0], sess.ID)
}

func TestSessionDeleteRemovesRow(t *testing.T) {
	deps, ft := newTestDeps(t)
	ctx := context.Background()

	sess := &store.Session{ID: uuid.NewString(), ChatID: "chat-1", WorkingDir: "/tmp"}
	require.NoError(t, deps.Store.CreateSession(ctx, sess))

	h := NewHandler(deps)
	err := h.Handle(ctx, Callback{Action: ActionSessionDelete, ChatID: "chat-1", SessionID: sess.ID})
	require.NoError(t, err)

	_, err = deps.Store.GetSession(ctx, sess.ID)
	assert.Error(t, err)
	assert.Contains(t, ft.text[0], "deleted")
}

func TestProjectCreatePatchesCard(t *testing.T) {
	deps, ft := newTestDeps(t)
	ctx := context.Background()

	h := NewHandler(deps)
	err := h.Handle(ctx, Callback{
		Action: ActionProjectCreate,
		ChatID: "chat-1",
		Values: map[string]string{"project_id": uuid.NewString(), "title": "My Project", "folder_name": "myproj"},
	})
	require.NoError(t, err)
	assert.Contains(t, ft.text[0], "My Project")
}

func TestProjectCreateMakesFolder(t *testing.T) {
	deps, _ := newTestDeps(t)
	ctx := context.Background()

	h := NewHandler(deps)
	err := h.Handle(ctx, Callback{
		Action: ActionProjectCreate,
		ChatID: "chat-1",
		Values: map[string]string{"project_id": uuid.NewString(), "title": "My Project", "folder_name": "myproj"},
	})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(deps.BaseWorkingDir, "myproj"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestProjectEditRenamesFolder(t *testing.T) {
	deps, ft := newTestDeps(t)
	ctx := context.Background()

	projectID := uuid.NewString()
	p := &store.Project{ID: projectID, ChatID: "chat-1", FolderName: "old-name", Title: "Old Title"}
	require.NoError(t, os.Mkdir(filepath.Join(deps.BaseWorkingDir, "old-name"), 0o755))
	require.NoError(t, deps.Store.CreateProject(ctx, p))

	h := NewHandler(deps)
	err := h.Handle(ctx, Callback{
		Action: ActionProjectEdit,
		ChatID: "chat-1",
		Values: map[string]string{"project_id": projectID, "title": "New Title", "description": "desc", "folder_name": "new-name"},
	})
	require.NoError(t, err)
	assert.Contains(t, ft.text[0], "updated")

	_, err = os.Stat(filepath.Join(deps.BaseWorkingDir, "old-name"))
	assert.True(t, os.IsNotExist(err))
	info, err := os.Stat(filepath.Join(deps.BaseWorkingDir, "new-name"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	updated, err := deps.Store.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, "new-name", updated.FolderName)
	assert.Equal(t, "New Title", updated.Title)
}

func TestProjectSelectBindsAndTouches(t *testing.T) {
	deps, ft := newTestDeps(t)
	ctx := context.Background()

	projectID := uuid.NewString()
	sess := &store.Session{ID: uuid.NewString(), ChatID: "chat-1", ProjectID: projectID, WorkingDir: "/tmp"}
	require.NoError(t, deps.Store.CreateSession(ctx, sess))
	time.Sleep(2 * time.Millisecond)

	h := NewHandler(deps)
	err := h.Handle(ctx, Callback{Action: ActionProjectSelect, ChatID: "chat-1", Values: map[string]string{"project_id": projectID}})
	require.NoError(t, err)

	got, ok := deps.Projects.ActiveProject("chat-1")
	assert.True(t, ok)
	assert.Equal(t, projectID, got)
	assert.NotEmpty(t, ft.text)

	touched, err := deps.Store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, touched.UpdatedAt.After(sess.UpdatedAt))
}

func TestConfigDetailOpensChoiceCard(t *testing.T) {
	deps, ft := newTestDeps(t)
	h := NewHandler(deps)
	err := h.Handle(context.Background(), Callback{
		Action: ActionConfigDetail,
		ChatID: "chat-1",
		Values: map[string]string{"config_id": "c1", "label": "Verbosity", "choices": "low,medium,high"},
	})
	require.NoError(t, err)
	assert.True(t, ft.configOpen)
}

func TestUnknownActionErrors(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)
	err := h.Handle(context.Background(), Callback{Action: "bogus"})
	require.Error(t, err)
}
