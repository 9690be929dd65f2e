package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/larkacp/internal/session"
	"github.com/kandev/larkacp/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatchWithNoSessionRepliesNoActiveSession(t *testing.T) {
	h := NewHandler(Deps{})
	res, err := h.Dispatch(context.Background(), nil, nil, Parse("/help"))
	require.NoError(t, err)
	assert.Equal(t, noActiveSession, res.Reply)
}

func TestDispatchHelp(t *testing.T) {
	s := newTestStore(t)
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(context.Background(), sess))

	h := NewHandler(Deps{Store: s})
	res, err := h.Dispatch(context.Background(), sess, nil, Parse("/help"))
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "/help")
}

func TestDispatchStopInvokesCancelPrompt(t *testing.T) {
	s := newTestStore(t)
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(context.Background(), sess))

	called := false
	h := NewHandler(Deps{Store: s, CancelPrompt: func(ctx context.Context, s *store.Session, a *session.ActiveSession) error {
		called = true
		return nil
	}})
	res, err := h.Dispatch(context.Background(), sess, nil, Parse("/stop"))
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "Stopped.", res.Reply)
}

func TestDispatchSoloTogglesMode(t *testing.T) {
	s := newTestStore(t)
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	active := session.NewActiveSession(sess.ID)

	var gotMode string
	h := NewHandler(Deps{Store: s, SetMode: func(ctx context.Context, s *store.Session, a *session.ActiveSession, modeID string) error {
		gotMode = modeID
		return nil
	}})

	res, err := h.Dispatch(context.Background(), sess, active, Parse("/solo"))
	require.NoError(t, err)
	assert.Equal(t, "bypassPermissions", gotMode)
	assert.Contains(t, res.Reply, "bypassPermissions")

	active.CurrentMode = "bypassPermissions"
	_, err = h.Dispatch(context.Background(), sess, active, Parse("/yolo"))
	require.NoError(t, err)
	assert.Equal(t, "default", gotMode)
}

func TestDispatchModeListsWhenNoArg(t *testing.T) {
	s := newTestStore(t)
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	active := session.NewActiveSession(sess.ID)
	active.AvailableModes = []string{"default", "bypassPermissions"}

	h := NewHandler(Deps{Store: s})
	res, err := h.Dispatch(context.Background(), sess, active, Parse("/mode"))
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "default")
	assert.Contains(t, res.Reply, "bypassPermissions")
}

func TestDispatchModeResolvesCaseInsensitiveName(t *testing.T) {
	s := newTestStore(t)
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	active := session.NewActiveSession(sess.ID)
	active.AvailableModes = []string{"default", "bypassPermissions"}

	var gotMode string
	h := NewHandler(Deps{Store: s, SetMode: func(ctx context.Context, s *store.Session, a *session.ActiveSession, modeID string) error {
		gotMode = modeID
		return nil
	}})
	_, err := h.Dispatch(context.Background(), sess, active, Parse("/mode BYPASSPERMISSIONS"))
	require.NoError(t, err)
	assert.Equal(t, "bypassPermissions", gotMode)
}

func TestDispatchPromptTemplateExpands(t *testing.T) {
	s := newTestStore(t)
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(context.Background(), sess))

	h := NewHandler(Deps{Store: s, Templates: []PromptTemplate{
		{Name: "refactor", Template: "Refactor: %s"},
	}})
	res, err := h.Dispatch(context.Background(), sess, nil, Parse("/refactor the parser"))
	require.NoError(t, err)
	assert.Equal(t, "Refactor: the parser", res.ForwardPrompt)
}

func TestDispatchPassThroughAgentCommand(t *testing.T) {
	s := newTestStore(t)
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	active := session.NewActiveSession(sess.ID)
	active.AvailableCommands = []string{"lint"}

	h := NewHandler(Deps{Store: s})
	res, err := h.Dispatch(context.Background(), sess, active, Parse("/lint --fix"))
	require.NoError(t, err)
	assert.Equal(t, "/lint --fix", res.ForwardPrompt)
}

func TestDispatchUnknownCommand(t *testing.T) {
	s := newTestStore(t)
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(context.Background(), sess))

	h := NewHandler(Deps{Store: s})
	res, err := h.Dispatch(context.Background(), sess, nil, Parse("/bogus"))
	require.NoError(t, err)
	assert.Equal(t, "Unknown command: /bogus", res.Reply)
}

func TestDispatchListAllAcrossProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(ctx, sess))
	other := &store.Session{ID: uuid.NewString(), ChatID: "c1", ProjectID: "proj-1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(ctx, other))

	h := NewHandler(Deps{Store: s})
	res, err := h.Dispatch(ctx, sess, nil, Parse("/listall"))
	require.NoError(t, err)
	assert.Contains(t, res.Reply, sess.ID)
	assert.Contains(t, res.Reply, other.ID)
}

func TestDispatchProjectNewCreatesFolderAndActivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(ctx, sess))

	base := t.TempDir()
	h := NewHandler(Deps{Store: s, Projects: session.NewActiveProjects(), BaseWorkingDir: base})

	res, err := h.Dispatch(ctx, sess, nil, Parse("/project new myproj My Project"))
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "My Project")

	info, err := os.Stat(filepath.Join(base, "myproj"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	projects, err := s.ListProjectsByChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "myproj", projects[0].FolderName)
}

func TestDispatchProjectListAndInfo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(ctx, sess))

	projects := session.NewActiveProjects()
	h := NewHandler(Deps{Store: s, Projects: projects, BaseWorkingDir: t.TempDir()})

	_, err := h.Dispatch(ctx, sess, nil, Parse("/project new myproj My Project"))
	require.NoError(t, err)

	res, err := h.Dispatch(ctx, sess, nil, Parse("/project list"))
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "My Project")

	res, err = h.Dispatch(ctx, sess, nil, Parse("/project info"))
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "My Project")
	assert.Contains(t, res.Reply, "myproj")
}

func TestDispatchProjectEditRenamesFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(ctx, sess))

	base := t.TempDir()
	h := NewHandler(Deps{Store: s, Projects: session.NewActiveProjects(), BaseWorkingDir: base})

	_, err := h.Dispatch(ctx, sess, nil, Parse("/project new old-name Old Title"))
	require.NoError(t, err)

	res, err := h.Dispatch(ctx, sess, nil, Parse("/project edit folder new-name"))
	require.NoError(t, err)
	assert.Equal(t, "Project updated.", res.Reply)

	_, err = os.Stat(filepath.Join(base, "old-name"))
	assert.True(t, os.IsNotExist(err))
	info, err := os.Stat(filepath.Join(base, "new-name"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDispatchProjectExitClearsBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &store.Session{ID: uuid.NewString(), ChatID: "c1", WorkingDir: "/tmp"}
	require.NoError(t, s.CreateSession(ctx, sess))

	projects := session.NewActiveProjects()
	projects.Bind("c1", "proj-1")
	h := NewHandler(Deps{Store: s, Projects: projects, BaseWorkingDir: t.TempDir()})

	res, err := h.Dispatch(ctx, sess, nil, Parse("/project exit"))
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "Exited project")
	_, ok := projects.ActiveProject("c1")
	assert.False(t, ok)
}
