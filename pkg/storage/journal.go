package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Journal is an append-only log of engine events, one JSON line each, for
// off-chain visibility and post-mortem inspection.
type Journal interface {
	Append(event any)
}

type NopJournal struct{}

func NewNopJournal() *NopJournal  { return &NopJournal{} }
func (*NopJournal) Append(_ any) {}

type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(event any) {
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintln(j.f, string(line))
}

func (j *FileJournal) Close() error { return j.f.Close() }

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
