package group

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

// BoltHistory is the durable HistoryStore. Each group gets its own bucket,
// entries keyed by the bucket sequence so iteration order is append order.
type BoltHistory struct {
	db *bolt.DB
}

func OpenBoltHistory(path string) (*BoltHistory, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	return &BoltHistory{db: db}, nil
}

func (b *BoltHistory) Close() error {
	return b.db.Close()
}

type boltRecord struct {
	Name     string   `json:"name"`
	Time     int64    `json:"time"`
	Members  []string `json:"members,omitempty"`
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	LastTime int64    `json:"last_time,omitempty"`
	Message  []byte   `json:"message"`
}

func recordOf(entry HistoryEntry) (boltRecord, error) {
	raw, err := message.Encode(entry.Message)
	if err != nil {
		return boltRecord{}, fmt.Errorf("encode carrier: %w", err)
	}
	rec := boltRecord{
		Name:    string(entry.Command.Name),
		Time:    entry.Command.Time.Unix(),
		Members: stringList(entry.Command.Members),
		Added:   stringList(entry.Command.Added),
		Removed: stringList(entry.Command.Removed),
		Message: raw,
	}
	if !entry.Command.LastTime.IsZero() {
		rec.LastTime = entry.Command.LastTime.Unix()
	}
	return rec, nil
}

func (r boltRecord) entry(group ids.Identifier) (HistoryEntry, error) {
	cmd := Command{
		Group: group,
		Name:  CommandName(r.Name),
		Time:  time.Unix(r.Time, 0).UTC(),
	}
	var err error
	if cmd.Members, err = parseList(r.Members); err != nil {
		return HistoryEntry{}, err
	}
	if cmd.Added, err = parseList(r.Added); err != nil {
		return HistoryEntry{}, err
	}
	if cmd.Removed, err = parseList(r.Removed); err != nil {
		return HistoryEntry{}, err
	}
	if r.LastTime != 0 {
		cmd.LastTime = time.Unix(r.LastTime, 0).UTC()
	}
	carrier, err := message.Decode(r.Message)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("decode carrier: %w", err)
	}
	return HistoryEntry{Command: cmd, Message: carrier}, nil
}

func (b *BoltHistory) Append(_ context.Context, entry HistoryEntry) error {
	if entry.Command.Group.IsZero() {
		return ErrMissingGroup
	}
	rec, err := recordOf(entry)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHistoryStore, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(entry.Command.Group.String()))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHistoryStore, err)
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHistoryStore, err)
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bucket.Put(key[:], data)
	})
}

func (b *BoltHistory) Read(_ context.Context, group ids.Identifier) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(group.String()))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: %v", ErrHistoryStore, err)
			}
			entry, err := rec.entry(group)
			if err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

func (b *BoltHistory) LastByName(_ context.Context, group ids.Identifier, name CommandName) (HistoryEntry, bool, error) {
	var (
		found bool
		entry HistoryEntry
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(group.String()))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for key, value := cursor.Last(); key != nil; key, value = cursor.Prev() {
			var rec boltRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: %v", ErrHistoryStore, err)
			}
			if rec.Name != string(name) {
				continue
			}
			decoded, err := rec.entry(group)
			if err != nil {
				return err
			}
			entry, found = decoded, true
			return nil
		}
		return nil
	})
	return entry, found, err
}

func (b *BoltHistory) ClearAdminHistory(_ context.Context, group ids.Identifier) error {
	return b.clear(group, func(name string) bool { return name != string(CmdReset) })
}

func (b *BoltHistory) ClearMemberHistory(_ context.Context, group ids.Identifier) error {
	return b.clear(group, func(name string) bool {
		switch CommandName(name) {
		case CmdInvite, CmdJoin, CmdQuit, CmdResign:
			return false
		default:
			return true
		}
	})
}

func (b *BoltHistory) clear(group ids.Identifier, keep func(string) bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(group.String()))
		if bucket == nil {
			return nil
		}
		var drop [][]byte
		err := bucket.ForEach(func(key, value []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("%w: %v", ErrHistoryStore, err)
			}
			if !keep(rec.Name) {
				drop = append(drop, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range drop {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("%w: %v", ErrHistoryStore, err)
			}
		}
		return nil
	})
}

func stringList(list []ids.Identifier) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = id.String()
	}
	return out
}

func parseList(list []string) ([]ids.Identifier, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]ids.Identifier, len(list))
	for i, s := range list {
		id, err := ids.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHistoryStore, err)
		}
		out[i] = id
	}
	return out, nil
}
