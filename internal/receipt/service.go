package receipt

import (
	"context"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/store"
)

// TaskLookup is the narrow store surface GetReceipt needs.
type TaskLookup interface {
	GetTask(ctx context.Context, tenantID, id string) (store.Task, error)
}

// Service composes a Keyring with store access to implement spec.md
// §4's GetReceipt operation: NotFound/Forbidden are the caller's job
// (tenant scoping happens before Service is reached); Service itself
// only enforces NotTerminal.
type Service struct {
	keyring *Keyring
	tasks   TaskLookup
}

func NewService(keyring *Keyring, tasks TaskLookup) *Service {
	return &Service{keyring: keyring, tasks: tasks}
}

// GetReceipt signs and returns the chain-root receipt for a terminal
// task. Non-terminal tasks have no fixed chain root yet and are
// rejected with NotTerminal, per spec.md §4/§7.
func (s *Service) GetReceipt(ctx context.Context, tenantID, taskID string) (Receipt, error) {
	task, err := s.tasks.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return Receipt{}, err
	}
	if !task.State.Terminal() {
		return Receipt{}, apierr.Newf(apierr.CodeNotTerminal, "task %s is not terminal (state=%s)", taskID, task.State)
	}
	return s.keyring.Sign(taskID, encodeHex(task.LastHash), 0, task.Cursor)
}
