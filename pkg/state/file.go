package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/twpayne/go-vfs"
)

const tmpSuffix = ".tmp"

// FileStore keeps RunnerState as a JSON file. Writes go to a sibling
// temporary file which is then renamed over the canonical path, so a
// crash part-way through a write leaves the previous state intact.
type FileStore struct {
	fs     vfs.FS
	path   string
	logger log.Logger
}

func NewFileStore(fs vfs.FS, path string, logger log.Logger) *FileStore {
	return &FileStore{fs: fs, path: path, logger: logger}
}

func (s *FileStore) String() string {
	return "file " + s.path
}

func (s *FileStore) Load(ctx context.Context) RunnerState {
	bytes, err := s.fs.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Log("info", "state file does not exist yet", "path", s.path)
		return RunnerState{}
	}
	if err != nil {
		s.logger.Log("warning", "failed to read state file", "path", s.path, "err", err)
		return RunnerState{}
	}
	st, err := Decode(bytes)
	if err != nil {
		s.logger.Log("warning", "state file is not valid; starting afresh", "path", s.path, "err", err)
		return RunnerState{}
	}
	return st
}

func (s *FileStore) Save(ctx context.Context, st RunnerState) error {
	bytes, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}
	dir := filepath.Dir(s.path)
	if err := vfs.MkdirAll(s.fs, dir, 0755); err != nil {
		return errors.Wrapf(err, "creating state directory %s", dir)
	}

	tmp := s.path + tmpSuffix
	if err := s.writeSynced(tmp, bytes); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "writing state to %s", tmp)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "replacing state file %s", s.path)
	}
	// Make the rename itself durable; not all filesystems allow
	// syncing a directory, so this is best effort.
	if d, err := s.fs.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func (s *FileStore) writeSynced(path string, data []byte) error {
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
