package worker

import (
	"errors"

	"github.com/roach88/beacon/internal/wire"
)

// failingKV reads through but refuses writes.
type failingKV struct {
	KV
}

func (failingKV) Put(string, []byte) error { return errors.New("read-only") }

type nopRemote struct {
	connects int
}

func (r *nopRemote) Connect()    { r.connects++ }
func (r *nopRemote) Disconnect() {}
func (r *nopRemote) ClearHits()  {}
func (r *nopRemote) SendHit(map[string]string, int64, string, []wire.Command) {}
