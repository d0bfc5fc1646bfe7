package local

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/derektruong/fxupload/internal/upstate"
	"github.com/derektruong/fxupload/storage"
	"github.com/go-logr/logr"
)

const stateFileName = ".state.json"

// Store keeps the state of each client as a JSON document next to the
// client's backing files.
type Store struct {
	logger logr.Logger
	root   string

	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

func NewStore(logger logr.Logger, root string) (s *Store, err error) {
	if root, err = filepath.Abs(root); err != nil {
		return
	}
	if err = os.MkdirAll(root, defaultDirPerm); err != nil {
		return
	}
	s = &Store{
		logger: logger.WithName("local.store"),
		root:   root,
	}
	return
}

func (s *Store) Close() {
	s.logger.Info("closed local store")
}

func (s *Store) GetState(ctx context.Context, clientID string) (state upstate.State, err error) {
	var statePath string
	if statePath, err = s.statePath(clientID); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	if data, err = os.ReadFile(statePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = storage.ErrStateNotExists
		}
		return
	}
	if err = json.Unmarshal(data, &state); err != nil {
		return
	}
	state.ClientID = clientID
	if state.Records == nil {
		state.Records = make(map[string]upstate.Record)
	}
	return
}

func (s *Store) Persist(ctx context.Context, clientID string, state upstate.State) (err error) {
	var statePath string
	if statePath, err = s.statePath(clientID); err != nil {
		return
	}
	state.ClientID = clientID

	var data []byte
	if data, err = json.Marshal(state); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(statePath), defaultDirPerm); err != nil {
		return
	}
	tmpPath := statePath + ".tmp"
	if err = os.WriteFile(tmpPath, data, defaultFilePerm); err != nil {
		return
	}
	return os.Rename(tmpPath, statePath)
}

func (s *Store) DeleteAll(ctx context.Context, clientID string) (err error) {
	var statePath string
	if statePath, err = s.statePath(clientID); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.Remove(statePath); err != nil && errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	return
}

func (s *Store) statePath(clientID string) (string, error) {
	if err := storage.ValidateClientID(clientID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, clientID, stateFileName), nil
}
