package retention

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/internal/storage"
	"github.com/sitepulse/sitepulse/pkg/types"
)

// ArchivePrefix is the key prefix of every archived object.
const ArchivePrefix = "archive/"

// Archiver writes batches of events to object storage as snappy-compressed
// NDJSON, one object per website.
type Archiver struct {
	storage storage.ObjectStorage
	shards  uint32
	logger  *zap.Logger
}

// NewArchiver creates an archiver spreading objects over shards key prefixes.
func NewArchiver(store storage.ObjectStorage, shards int, logger *zap.Logger) *Archiver {
	if shards <= 0 {
		shards = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{storage: store, shards: uint32(shards), logger: logger}
}

// Key returns the object key for a website's run of events.
// Layout: archive/<shard>/<first_id>-<last_id>.ndjson.sz
func (a *Archiver) Key(websiteID string, firstID, lastID int64) string {
	shard := murmur3.Sum32([]byte(websiteID)) % a.shards
	return fmt.Sprintf("%s%03d/%d-%d.ndjson.sz", ArchivePrefix, shard, firstID, lastID)
}

// Archive writes the batch and returns the keys written. Events of one
// website keep their batch order. Nothing is written for an empty batch.
// When a write fails, objects already written for the batch are removed so
// a failed batch leaves no partial archive behind.
func (a *Archiver) Archive(ctx context.Context, events []types.Event) ([]string, error) {
	var order []string
	groups := make(map[string][]types.Event)
	for _, e := range events {
		if _, ok := groups[e.WebsiteID]; !ok {
			order = append(order, e.WebsiteID)
		}
		groups[e.WebsiteID] = append(groups[e.WebsiteID], e)
	}

	keys := make([]string, 0, len(order))
	for _, site := range order {
		group := groups[site]

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for i := range group {
			if err := enc.Encode(group[i]); err != nil {
				a.discard(keys)
				return nil, fmt.Errorf("retention: failed to encode event %d: %w", group[i].ID, err)
			}
		}

		key := a.Key(site, group[0].ID, group[len(group)-1].ID)
		if err := a.storage.Put(ctx, key, snappy.Encode(nil, buf.Bytes())); err != nil {
			a.discard(keys)
			return nil, fmt.Errorf("retention: failed to write archive %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// discard removes objects written by a failed batch. The batch stays in the
// store, so a leftover object would only duplicate events on the next run.
func (a *Archiver) discard(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := a.storage.Delete(ctx, key); err != nil {
			a.logger.Warn("failed to remove partial archive", zap.String("key", key), zap.Error(err))
		}
	}
}

// Read decodes an archived object back into events.
func (a *Archiver) Read(ctx context.Context, key string) ([]types.Event, error) {
	if !ValidArchiveKey(key) {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidKey, "Invalid archive key.")
	}
	compressed, err := a.storage.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, apperrors.NewNotFoundError(apperrors.CodeArchiveNotFound, "Archive not found.")
	}
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to read archive", err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "corrupt archive "+key, err)
	}

	var events []types.Event
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e types.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "corrupt archive line in "+key, err)
		}
		if string(e.EventData) == "null" {
			e.EventData = nil
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to read archive "+key, err)
	}
	return events, nil
}

// List returns the keys of every archived object.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	keys, err := a.storage.List(ctx, ArchivePrefix)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to list archives", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// ValidArchiveKey reports whether key names an object under ArchivePrefix
// without escaping it.
func ValidArchiveKey(key string) bool {
	if !strings.HasPrefix(key, ArchivePrefix) || !strings.HasSuffix(key, ".ndjson.sz") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
