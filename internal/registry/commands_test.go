package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boundless-bastion/internal/model"
)

type fakeRefs struct {
	mu     sync.Mutex
	active map[string]int
}

func (f *fakeRefs) ActiveFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

type recordingSink struct {
	mu      sync.Mutex
	saved   []model.Command
	deleted []string
}

func (s *recordingSink) SaveCommand(c model.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, c)
}

func (s *recordingSink) DeleteCommand(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
}

func intPtr(v int) *int { return &v }

func TestCreateCommand(t *testing.T) {
	r := NewCommandRegistry(nil)

	cmd, err := r.Create(model.CommandInput{Name: "uptime", Script: "uptime"})
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, model.DefaultTimeoutSeconds, cmd.TimeoutSeconds)
	assert.False(t, cmd.CreatedAt.IsZero())

	got, err := r.Get(cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, cmd, got)
}

func TestCreateCommand_Validation(t *testing.T) {
	r := NewCommandRegistry(nil)

	tests := []struct {
		name string
		in   model.CommandInput
	}{
		{"empty name", model.CommandInput{Script: "echo"}},
		{"empty script", model.CommandInput{Name: "x"}},
		{"zero timeout", model.CommandInput{Name: "x", Script: "echo", TimeoutSeconds: intPtr(0)}},
		{"negative timeout", model.CommandInput{Name: "x", Script: "echo", TimeoutSeconds: intPtr(-1)}},
		{"timeout over a week", model.CommandInput{Name: "x", Script: "echo", TimeoutSeconds: intPtr(model.MaxTimeoutSeconds + 1)}},
		{"huge timeout", model.CommandInput{Name: "x", Script: "echo", TimeoutSeconds: intPtr(10_000_000_000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(tt.in)
			require.Error(t, err)
			assert.True(t, model.IsValidation(err), "got %v", err)
		})
	}
	assert.Equal(t, 0, r.Len())
}

func TestCreateCommand_DuplicateName(t *testing.T) {
	r := NewCommandRegistry(nil)
	_, err := r.Create(model.CommandInput{Name: "dup", Script: "true"})
	require.NoError(t, err)

	_, err = r.Create(model.CommandInput{Name: " dup ", Script: "false"})
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
}

func TestUpdateCommand(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewCommandRegistry(nil, WithClock(func() time.Time { return base }))

	orig, err := r.Create(model.CommandInput{Name: "a", Script: "echo a", TimeoutSeconds: intPtr(10)})
	require.NoError(t, err)

	updated, err := r.Update(orig.ID, model.CommandInput{Name: "b", Script: "echo b"})
	require.NoError(t, err)
	assert.Equal(t, orig.ID, updated.ID)
	assert.Equal(t, orig.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "b", updated.Name)
	assert.Equal(t, model.DefaultTimeoutSeconds, updated.TimeoutSeconds)

	// old name is free again
	_, err = r.Create(model.CommandInput{Name: "a", Script: "echo"})
	assert.NoError(t, err)
}

func TestCreateCommand_MaxTimeout(t *testing.T) {
	r := NewCommandRegistry(nil)

	cmd, err := r.Create(model.CommandInput{Name: "long", Script: "sleep 1", TimeoutSeconds: intPtr(model.MaxTimeoutSeconds)})
	require.NoError(t, err)
	assert.Equal(t, model.MaxTimeoutSeconds, cmd.TimeoutSeconds)

	_, err = r.Update(cmd.ID, model.CommandInput{Name: "long", Script: "sleep 1", TimeoutSeconds: intPtr(model.MaxTimeoutSeconds + 1)})
	assert.True(t, model.IsValidation(err), "got %v", err)
}

func TestPatchCommand(t *testing.T) {
	r := NewCommandRegistry(nil)
	orig, err := r.Create(model.CommandInput{Name: "a", Description: "first", Script: "echo a", TimeoutSeconds: intPtr(10)})
	require.NoError(t, err)

	// The overlay sees the value committed by the preceding update.
	_, err = r.Update(orig.ID, model.CommandInput{Name: "a", Description: "second", Script: "echo b", TimeoutSeconds: intPtr(20)})
	require.NoError(t, err)

	patched, err := r.Patch(orig.ID, func(cur model.Command) model.CommandInput {
		timeout := cur.TimeoutSeconds
		return model.CommandInput{Name: cur.Name, Description: cur.Description, Script: "echo c", TimeoutSeconds: &timeout}
	})
	require.NoError(t, err)
	assert.Equal(t, "second", patched.Description)
	assert.Equal(t, "echo c", patched.Script)
	assert.Equal(t, 20, patched.TimeoutSeconds)
	assert.Equal(t, orig.CreatedAt, patched.CreatedAt)

	_, err = r.Patch("cmd-missing", func(cur model.Command) model.CommandInput { return model.CommandInput{} })
	assert.True(t, model.IsNotFound(err))

	_, err = r.Patch(orig.ID, func(cur model.Command) model.CommandInput {
		return model.CommandInput{Name: cur.Name, Script: "   "}
	})
	assert.True(t, model.IsValidation(err))
}

func TestPatchCommand_ConcurrentWithUpdate(t *testing.T) {
	r := NewCommandRegistry(nil)
	cmd, err := r.Create(model.CommandInput{Name: "c", Description: "d0", Script: "echo"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Update(cmd.ID, model.CommandInput{Name: "c", Description: "put", Script: "echo put"})
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Patch(cmd.ID, func(cur model.Command) model.CommandInput {
				timeout := cur.TimeoutSeconds
				return model.CommandInput{Name: cur.Name, Description: cur.Description, Script: "echo patch", TimeoutSeconds: &timeout}
			})
		}()
	}
	wg.Wait()

	// Whatever the interleaving, a patch never resurrects the original description.
	got, err := r.Get(cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, "put", got.Description)
}

func TestUpdateCommand_Errors(t *testing.T) {
	r := NewCommandRegistry(nil)
	a, err := r.Create(model.CommandInput{Name: "a", Script: "echo"})
	require.NoError(t, err)
	_, err = r.Create(model.CommandInput{Name: "b", Script: "echo"})
	require.NoError(t, err)

	_, err = r.Update("cmd-missing", model.CommandInput{Name: "z", Script: "echo"})
	assert.True(t, model.IsNotFound(err))

	_, err = r.Update(a.ID, model.CommandInput{Name: "b", Script: "echo"})
	assert.True(t, model.IsConflict(err))

	_, err = r.Update(a.ID, model.CommandInput{Name: "a", Script: ""})
	assert.True(t, model.IsValidation(err))

	// keeping its own name is not a conflict
	_, err = r.Update(a.ID, model.CommandInput{Name: "a", Script: "echo again"})
	assert.NoError(t, err)
}

func TestDeleteCommand(t *testing.T) {
	refs := &fakeRefs{active: map[string]int{}}
	sink := &recordingSink{}
	r := NewCommandRegistry(refs, WithCommandSink(sink))

	cmd, err := r.Create(model.CommandInput{Name: "x", Script: "echo"})
	require.NoError(t, err)

	refs.active[cmd.ID] = 1
	err = r.Delete(cmd.ID)
	assert.True(t, model.IsConflict(err))

	refs.active[cmd.ID] = 0
	require.NoError(t, r.Delete(cmd.ID))

	_, err = r.Get(cmd.ID)
	assert.True(t, model.IsNotFound(err))
	assert.True(t, model.IsNotFound(r.Delete(cmd.ID)))

	assert.Len(t, sink.saved, 1)
	assert.Equal(t, []string{cmd.ID}, sink.deleted)
}

func TestListCommands_CreationOrder(t *testing.T) {
	r := NewCommandRegistry(nil)
	names := []string{"c", "a", "b"}
	for _, n := range names {
		_, err := r.Create(model.CommandInput{Name: n, Script: "echo"})
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	for i, n := range names {
		assert.Equal(t, n, list[i].Name)
	}
}

func TestViewBlocksDelete(t *testing.T) {
	refs := &fakeRefs{active: map[string]int{}}
	r := NewCommandRegistry(refs)
	cmd, err := r.Create(model.CommandInput{Name: "x", Script: "echo"})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- r.View(cmd.ID, func(c model.Command) error {
			refs.mu.Lock()
			refs.active[c.ID]++
			refs.mu.Unlock()
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	deleted := make(chan error, 1)
	go func() { deleted <- r.Delete(cmd.ID) }()

	select {
	case <-deleted:
		t.Fatal("delete completed while a view was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.True(t, model.IsConflict(<-deleted))
}

func TestRestore(t *testing.T) {
	r := NewCommandRegistry(nil)
	existing, err := r.Create(model.CommandInput{Name: "live", Script: "echo"})
	require.NoError(t, err)

	n := r.Restore([]model.Command{
		{ID: "cmd-1", Name: "one", Script: "echo 1", TimeoutSeconds: 5},
		{ID: existing.ID, Name: "live", Script: "echo"},
		{ID: "cmd-2", Name: "live", Script: "echo dup"},
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, r.Len())
}

func TestSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.yaml")
	content := `
- name: Disk usage
  description: df
  script: df -h
  timeout_seconds: 30
- name: Memory
  script: free -m
- name: ""
  script: broken
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	inputs, err := LoadCommandFile(path)
	require.NoError(t, err)
	require.Len(t, inputs, 3)

	r := NewCommandRegistry(nil)
	assert.Equal(t, 2, Seed(r, inputs))
	// reseeding is idempotent by name
	assert.Equal(t, 0, Seed(r, inputs))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, 30, list[0].TimeoutSeconds)
	assert.Equal(t, model.DefaultTimeoutSeconds, list[1].TimeoutSeconds)
}

func TestDefaultCommands(t *testing.T) {
	r := NewCommandRegistry(nil)
	assert.Equal(t, 2, Seed(r, DefaultCommands()))
	for _, c := range r.List() {
		assert.Equal(t, 60, c.TimeoutSeconds)
	}
}

func TestLoadCommandFile_Missing(t *testing.T) {
	_, err := LoadCommandFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
