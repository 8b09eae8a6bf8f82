package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SpoolExt is the extension of message files in a spool directory. Writers
// create a dot-file first and rename it, so a message appears atomically.
const SpoolExt = ".alert"

// Spool is a Channel over a directory: every *.alert file is one message,
// delivered in name order and deleted once received. The message t0 is the
// file's modification time.
type Spool struct {
	dir     string
	watcher *fsnotify.Watcher
	log     zerolog.Logger

	readFile func(string) ([]byte, error)

	mu      sync.Mutex
	pending []string
	queued  map[string]bool
	notify  chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// OpenSpool watches dir (creating it if needed) and queues files already there.
func OpenSpool(dir string, log zerolog.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s := &Spool{
		dir:     dir,
		watcher: watcher,
		log:     log.With().Str("component", "inbox.spool").Logger(),
		queued:  make(map[string]bool),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),

		readFile: os.ReadFile,
	}
	if err := s.scan(); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

// Dir returns the watched directory.
func (s *Spool) Dir() string { return s.dir }

// scan queues every message file currently in the directory.
func (s *Spool) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read spool dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isMessage(e.Name()) {
			names = append(names, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(names)
	for _, n := range names {
		s.enqueue(n)
	}
	return nil
}

func isMessage(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.HasSuffix(base, SpoolExt)
}

func (s *Spool) enqueue(path string) {
	s.mu.Lock()
	if !s.queued[path] {
		s.queued[path] = true
		s.pending = append(s.pending, path)
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// watchLoop processes filesystem change events.
func (s *Spool) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if (event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Write)) && isMessage(event.Name) {
				if _, err := os.Stat(event.Name); err == nil {
					s.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("spool event")
					s.enqueue(event.Name)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("fsnotify error")
			// Events may have been dropped; pick up whatever is on disk.
			if err := s.scan(); err != nil {
				s.log.Error().Err(err).Msg("rescan failed")
			}
		}
	}
}

// Ready implements Channel.
func (s *Spool) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Receive implements Channel. Files that vanished before they could be read
// are skipped; any other read failure puts the file back at the end of the
// queue and is returned.
func (s *Spool) Receive(ctx context.Context) (Message, error) {
	for {
		if path, ok := s.next(); ok {
			msg, err := s.read(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				s.log.Warn().Err(err).Str("file", path).Msg("spool read failed, will retry")
				s.enqueue(path)
			}
			return msg, err
		}
		select {
		case <-s.notify:
		case <-s.done:
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (s *Spool) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	path := s.pending[0]
	s.pending = s.pending[1:]
	delete(s.queued, path)
	return path, true
}

func (s *Spool) read(path string) (Message, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Message{}, err
	}
	data, err := s.readFile(path)
	if err != nil {
		return Message{}, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Message{}, fmt.Errorf("remove spooled message: %w", err)
	}
	return Message{Payload: string(data), T0: info.ModTime()}, nil
}

// Close stops watching. Files left in the directory are picked up by the
// next OpenSpool.
func (s *Spool) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

// WriteSpool drops payload into dir as a new message file.
func WriteSpool(dir, payload string) (string, error) {
	name := fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), uuid.NewString(), SpoolExt)
	tmp := filepath.Join(dir, "."+name)
	if err := os.WriteFile(tmp, []byte(payload), 0o644); err != nil {
		return "", fmt.Errorf("write spool file: %w", err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename spool file: %w", err)
	}
	return final, nil
}
