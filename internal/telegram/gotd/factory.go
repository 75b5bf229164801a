package gotd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gotd/td/session"
	"go.uber.org/zap"

	"github.com/mixelka/aggregram/internal/telegram"
)

// Factory builds per-user clients, each with its own session file under the
// state directory.
type Factory struct {
	apiID   int
	apiHash string
	dir     string
	logger  *zap.Logger
}

func NewFactory(apiID int, apiHash, dir string, logger *zap.Logger) *Factory {
	return &Factory{apiID: apiID, apiHash: apiHash, dir: dir, logger: logger}
}

func (f *Factory) New(userID string) (telegram.Client, error) {
	userDir := f.userDir(userID)
	if err := os.MkdirAll(userDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	storage := &session.FileStorage{Path: filepath.Join(userDir, "session.json")}
	logger := f.logger.Named("mtproto").With(zap.String("user_id", userID))
	return newClient(f.apiID, f.apiHash, storage, logger), nil
}

// DeleteState removes the persisted session state for a user.
func (f *Factory) DeleteState(userID string) error {
	if err := os.RemoveAll(f.userDir(userID)); err != nil {
		return fmt.Errorf("failed to delete session state: %w", err)
	}
	return nil
}

func (f *Factory) userDir(userID string) string {
	// userID is a UUID, but keep path joins safe regardless
	return filepath.Join(f.dir, filepath.Base(userID))
}
