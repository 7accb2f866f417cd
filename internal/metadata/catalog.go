package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	filesPrefix   = "files/"
	objectsPrefix = "objects/"
)

// Location is a node that held an object when the record was last updated.
type Location struct {
	NodeIndex int    `json:"node_index"`
	Endpoint  string `json:"endpoint"`
	Port      int    `json:"port"`
}

// FileRecord is the metadata kept for one uploaded file.
type FileRecord struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Name        string     `json:"name"`
	ObjectKey   string     `json:"object_key"`
	ContentType string     `json:"content_type,omitempty"`
	Size        int64      `json:"size"`
	Permissions string     `json:"permissions,omitempty"`
	Locations   []Location `json:"locations,omitempty"`
	// PendingDelete is set when a delete did not reach every node.
	// Locations then lists the nodes that may still hold the object.
	PendingDelete bool      `json:"pending_delete,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ObjectRef identifies one stored object for healing.
type ObjectRef struct {
	Key         string
	ContentType string
}

// Catalog maps file records onto a KV store.
//
// Layout:
//
//	files/{id}          FileRecord JSON
//	objects/{objectKey} file id
type Catalog struct {
	kv  KV
	now func() time.Time
}

// NewCatalog creates a catalog backed by kv.
func NewCatalog(kv KV) *Catalog {
	return &Catalog{kv: kv, now: time.Now}
}

// KV returns the underlying store.
func (c *Catalog) KV() KV {
	return c.kv
}

func validateRecord(rec *FileRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if strings.Contains(rec.ID, "/") {
		return fmt.Errorf("%w: id cannot contain '/'", ErrInvalidRecord)
	}
	if rec.ObjectKey == "" {
		return fmt.Errorf("%w: object key is required", ErrInvalidRecord)
	}
	return nil
}

// PutFile creates or replaces a file record. CreatedAt is preserved across
// updates and UpdatedAt is always refreshed.
func (c *Catalog) PutFile(ctx context.Context, rec *FileRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	now := c.now().UTC()
	existing, err := c.GetFile(ctx, rec.ID)
	switch {
	case err == nil:
		rec.CreatedAt = existing.CreatedAt
		if existing.ObjectKey != rec.ObjectKey {
			if err := c.kv.Delete(ctx, objectsPrefix+existing.ObjectKey); err != nil {
				return fmt.Errorf("drop object index: %w", err)
			}
		}
	case errors.Is(err, ErrNotFound):
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
	default:
		return err
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal file record: %w", err)
	}
	if err := c.kv.Put(ctx, filesPrefix+rec.ID, data); err != nil {
		return fmt.Errorf("store file record: %w", err)
	}
	if err := c.kv.Put(ctx, objectsPrefix+rec.ObjectKey, []byte(rec.ID)); err != nil {
		return fmt.Errorf("store object index: %w", err)
	}
	return nil
}

// GetFile returns the record for id, or ErrNotFound.
func (c *Catalog) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	data, err := c.kv.Get(ctx, filesPrefix+id)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (*FileRecord, error) {
	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &rec, nil
}

// GetFileByObject returns the record that owns objectKey, or ErrNotFound.
func (c *Catalog) GetFileByObject(ctx context.Context, objectKey string) (*FileRecord, error) {
	id, err := c.kv.Get(ctx, objectsPrefix+objectKey)
	if err != nil {
		return nil, err
	}
	return c.GetFile(ctx, string(id))
}

// DeleteFile removes the record for id. Deleting an absent record is not an error.
func (c *Catalog) DeleteFile(ctx context.Context, id string) error {
	rec, err := c.GetFile(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.kv.Delete(ctx, filesPrefix+id); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if err := c.kv.Delete(ctx, objectsPrefix+rec.ObjectKey); err != nil {
		return fmt.Errorf("delete object index: %w", err)
	}
	return nil
}

// ListFiles returns every record, sorted by id. A non-empty owner filters
// the result to that owner's files.
func (c *Catalog) ListFiles(ctx context.Context, owner string) ([]*FileRecord, error) {
	entries, err := c.kv.List(ctx, filesPrefix)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}

	out := make([]*FileRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := decodeRecord(e.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Key, err)
		}
		if owner != "" && rec.Owner != owner {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListObjects returns one reference per distinct object key, sorted by key.
// Records pending deletion are left out. Records that cannot be decoded are
// skipped and reported in skipped so the remaining objects are still listed.
func (c *Catalog) ListObjects(ctx context.Context) (refs []ObjectRef, skipped []error, err error) {
	entries, err := c.kv.List(ctx, filesPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("list file records: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	refs = make([]ObjectRef, 0, len(entries))
	for _, e := range entries {
		rec, err := decodeRecord(e.Value)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("%s: %w", e.Key, err))
			continue
		}
		if rec.PendingDelete || seen[rec.ObjectKey] {
			continue
		}
		seen[rec.ObjectKey] = true
		refs = append(refs, ObjectRef{Key: rec.ObjectKey, ContentType: rec.ContentType})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, skipped, nil
}

// RecordLocations replaces the location snapshot of the file that owns
// objectKey. The write is conditional on the record being unchanged since it
// was read: ErrConflict is returned when it was rewritten, repointed or
// deleted in between, and ErrNotFound when no record references the object.
func (c *Catalog) RecordLocations(ctx context.Context, objectKey string, locations []Location) error {
	id, err := c.kv.Get(ctx, objectsPrefix+objectKey)
	if err != nil {
		return err
	}

	key := filesPrefix + string(id)
	data, rev, err := c.kv.GetRevision(ctx, key)
	if err != nil {
		return err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	if rec.ObjectKey != objectKey || rec.PendingDelete {
		return ErrConflict
	}

	rec.Locations = append([]Location(nil), locations...)
	rec.UpdatedAt = c.now().UTC()
	data, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal file record: %w", err)
	}
	return c.kv.PutIfRevision(ctx, key, data, rev)
}

// MarkPendingDelete flags the record for id as partially deleted and sets its
// locations to the nodes that may still hold the object.
func (c *Catalog) MarkPendingDelete(ctx context.Context, id string, remaining []Location) error {
	rec, err := c.GetFile(ctx, id)
	if err != nil {
		return err
	}
	rec.PendingDelete = true
	rec.Locations = append([]Location(nil), remaining...)
	return c.PutFile(ctx, rec)
}
