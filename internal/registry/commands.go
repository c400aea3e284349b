package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/model"
)

// ReferenceChecker reports how many non-terminal executions reference a command.
type ReferenceChecker interface {
	ActiveFor(commandID string) int
}

// CommandSink receives committed command mutations, typically for persistence.
type CommandSink interface {
	SaveCommand(cmd model.Command)
	DeleteCommand(id string)
}

// CommandRegistry is the authoritative set of commands.
type CommandRegistry struct {
	mu     sync.RWMutex
	byID   map[string]model.Command
	byName map[string]string
	order  []string

	refs ReferenceChecker
	sink CommandSink
	now  func() time.Time
}

// CommandOption configures a CommandRegistry.
type CommandOption func(*CommandRegistry)

// WithCommandSink mirrors every committed mutation to sink.
func WithCommandSink(sink CommandSink) CommandOption {
	return func(r *CommandRegistry) { r.sink = sink }
}

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) CommandOption {
	return func(r *CommandRegistry) { r.now = now }
}

// NewCommandRegistry creates an empty registry. refs may be nil, in which
// case deletes never conflict.
func NewCommandRegistry(refs ReferenceChecker, opts ...CommandOption) *CommandRegistry {
	r := &CommandRegistry{
		byID:   make(map[string]model.Command),
		byName: make(map[string]string),
		refs:   refs,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create validates and stores a new command.
func (r *CommandRegistry) Create(in model.CommandInput) (model.Command, error) {
	timeout, err := in.Normalize()
	if err != nil {
		return model.Command{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[in.Name]; taken {
		return model.Command{}, model.Conflict("create command", "", fmt.Sprintf("name %q already exists", in.Name))
	}

	cmd := model.Command{
		ID:             model.NewID("cmd"),
		Name:           in.Name,
		Description:    in.Description,
		Script:         in.Script,
		TimeoutSeconds: timeout,
		CreatedAt:      r.now().UTC(),
	}
	r.put(cmd)
	r.order = append(r.order, cmd.ID)

	if r.sink != nil {
		r.sink.SaveCommand(cmd)
	}
	log.Info().Str("command_id", cmd.ID).Str("name", cmd.Name).Msg("command created")
	return cmd, nil
}

// Update replaces the mutable fields of an existing command. The id and
// created_at are preserved.
func (r *CommandRegistry) Update(id string, in model.CommandInput) (model.Command, error) {
	if _, err := in.Normalize(); err != nil {
		return model.Command{}, err
	}
	return r.Patch(id, func(model.Command) model.CommandInput { return in })
}

// Patch derives the replacement input from the current command under the
// write lock, so concurrent updates cannot interleave with the overlay.
func (r *CommandRegistry) Patch(id string, overlay func(cur model.Command) model.CommandInput) (model.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[id]
	if !ok {
		return model.Command{}, model.NotFound("update command", "command", id)
	}
	in := overlay(cur)
	timeout, err := in.Normalize()
	if err != nil {
		return model.Command{}, err
	}
	if owner, taken := r.byName[in.Name]; taken && owner != id {
		return model.Command{}, model.Conflict("update command", id, fmt.Sprintf("name %q already exists", in.Name))
	}

	next := model.Command{
		ID:             cur.ID,
		Name:           in.Name,
		Description:    in.Description,
		Script:         in.Script,
		TimeoutSeconds: timeout,
		CreatedAt:      cur.CreatedAt,
	}
	delete(r.byName, cur.Name)
	r.put(next)

	if r.sink != nil {
		r.sink.SaveCommand(next)
	}
	log.Info().Str("command_id", id).Msg("command updated")
	return next, nil
}

// Delete removes a command unless a pending or running execution references it.
func (r *CommandRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[id]
	if !ok {
		return model.NotFound("delete command", "command", id)
	}
	if r.refs != nil {
		if n := r.refs.ActiveFor(id); n > 0 {
			return model.Conflict("delete command", id, fmt.Sprintf("%d execution(s) still pending or running", n))
		}
	}

	delete(r.byID, id)
	delete(r.byName, cur.Name)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if r.sink != nil {
		r.sink.DeleteCommand(id)
	}
	log.Info().Str("command_id", id).Msg("command deleted")
	return nil
}

// Get returns the command with the given id.
func (r *CommandRegistry) Get(id string) (model.Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.byID[id]
	if !ok {
		return model.Command{}, model.NotFound("get command", "command", id)
	}
	return cmd, nil
}

// List returns all commands in creation order.
func (r *CommandRegistry) List() []model.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Command, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of registered commands.
func (r *CommandRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// View runs fn against the current command while holding the read lock.
// Delete cannot interleave with fn, so anything fn registers (such as a
// pending execution) is visible to the reference check.
func (r *CommandRegistry) View(id string, fn func(model.Command) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.byID[id]
	if !ok {
		return model.NotFound("dispatch", "command", id)
	}
	return fn(cmd)
}

// Restore loads previously persisted commands, ordered by created_at.
// Entries whose id or name is already present are skipped.
func (r *CommandRegistry) Restore(cmds []model.Command) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, cmd := range cmds {
		if _, ok := r.byID[cmd.ID]; ok {
			continue
		}
		if _, ok := r.byName[cmd.Name]; ok {
			log.Warn().Str("command_id", cmd.ID).Str("name", cmd.Name).Msg("skipping restored command with duplicate name")
			continue
		}
		r.put(cmd)
		r.order = append(r.order, cmd.ID)
		restored++
	}
	return restored
}

func (r *CommandRegistry) put(cmd model.Command) {
	r.byID[cmd.ID] = cmd
	r.byName[cmd.Name] = cmd.ID
}
