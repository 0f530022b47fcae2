// Package archive keeps the final tallies of closed polls in storage,
// as zstd-compressed flatbuffers records.
package archive

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"Flock/internal/logger"
	"Flock/internal/poll"
	"Flock/internal/round"
	"Flock/internal/storage"
)

// keyPrefix namespaces poll records in storage.
const keyPrefix = "poll/"

var (
	// ErrNotFound is returned by Get for a poll that was never archived.
	ErrNotFound = errors.New("poll not archived")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("corrupt poll record")

	// ErrNotClosed is returned by Put for a tally that is still collecting.
	ErrNotClosed = errors.New("poll not closed")

	// ErrTimeRange is returned by Put for a timestamp the record cannot hold.
	ErrTimeRange = errors.New("time out of record range")
)

// Summary is the listing form of an archived poll.
type Summary struct {
	Round    round.ID  // Round identifies the poll
	Selector string    // Selector is the polled team
	Started  time.Time // Started is when the poll began
	Closed   time.Time // Closed is when it closed
	Known    int       // Known counts discovered peers
	Answered int       // Answered counts recorded answers
}

// Archive stores closed tallies.
type Archive struct {
	db  *storage.Storage // db holds the records
	enc *zstd.Encoder    // enc compresses records
	dec *zstd.Decoder    // dec decompresses records
}

// New creates an Archive on db.
func New(db *storage.Storage) (*Archive, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &Archive{db: db, enc: enc, dec: dec}, nil
}

// key returns the storage key of a poll.
func key(id round.ID) []byte {
	return []byte(keyPrefix + id.String())
}

// Put stores a closed tally, replacing any previous record of the round.
func (a *Archive) Put(t poll.Tally) error {
	if !t.IsClosed() {
		return fmt.Errorf("%w: %s", ErrNotClosed, t.Round)
	}

	rec, err := encodeRecord(t)
	if err != nil {
		return fmt.Errorf("encode poll %s:\n%w", t.Round, err)
	}

	data := a.enc.EncodeAll(rec, nil)

	if err := a.db.Set(key(t.Round), data); err != nil {
		return fmt.Errorf("store poll %s:\n%w", t.Round, err)
	}

	logger.Debug("poll archived", "round", t.Round, "bytes", len(data))

	return nil
}

// Get loads the tally of an archived poll.
func (a *Archive) Get(id round.ID) (poll.Tally, error) {
	data, err := a.db.Get(key(id))
	if err != nil {
		return poll.Tally{}, fmt.Errorf("load poll %s:\n%w", id, err)
	}

	if data == nil {
		return poll.Tally{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return a.decode(data)
}

// List summarizes every archived poll, oldest first.
func (a *Archive) List() ([]Summary, error) {
	var out []Summary

	err := a.db.IteratePrefix([]byte(keyPrefix), func(k, v []byte) error {
		t, err := a.decode(v)
		if err != nil {
			return fmt.Errorf("record %s:\n%w", k, err)
		}

		out = append(out, Summary{
			Round:    t.Round,
			Selector: t.Selector,
			Started:  t.Started,
			Closed:   t.Closed,
			Known:    len(t.Known),
			Answered: len(t.Answers),
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Started.Before(out[j].Started)
	})

	return out, nil
}

// Close releases the codecs. The storage is not closed.
func (a *Archive) Close() {
	a.enc.Close()
	a.dec.Close()
}

// decode decompresses and parses a record.
func (a *Archive) decode(data []byte) (poll.Tally, error) {
	raw, err := a.dec.DecodeAll(data, nil)
	if err != nil {
		return poll.Tally{}, fmt.Errorf("%w: decompress:\n%w", ErrCorrupt, err)
	}

	return decodeRecord(raw)
}
