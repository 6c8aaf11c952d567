// Package backup writes and reads export archives of changed blocks.
//
// Archive layout:
//
//	backup-<ulid>.csb
//	[magic:8 "CSBACKUP"]
//	[HeaderLen:4][HeaderJSON:HeaderLen]
//	[DataLen:8][Data:DataLen]   (record stream, zstd-compressed, optionally sealed)
//	[checksum:32 SHA-256 of all bytes above]
//
// Archives are written to a temporary file, synced and renamed into place,
// so a reader never observes a partial archive.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
)

var magicBytes = []byte("CSBACKUP")

const (
	filePrefix    = "backup-"
	fileExtension = ".csb"
	checksumSize  = 32
	headerVersion = 1

	DefaultRetentionCount = 10
	DefaultRetentionDays  = 7
)

// Kind tells what an archive holds.
type Kind string

const (
	// KindDirty archives hold blocks reported dirty by the change tracker.
	KindDirty Kind = "dirty"

	// KindMerged archives hold preserved chunks merged out of a snapshot.
	KindMerged Kind = "merged"
)

// Compression names.
const (
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

var (
	ErrInvalidMagic     = errors.New("backup: invalid magic bytes")
	ErrChecksumMismatch = errors.New("backup: checksum mismatch")
	ErrNotFound         = errors.New("backup: archive not found")
	ErrNoArchives       = errors.New("backup: no archives available")
	ErrSealed           = errors.New("backup: archive is sealed and no opener is configured")
)

// Sealed is encrypted archive data.
type Sealed struct {
	Ciphertext []byte
	KeyID      string
	Algorithm  string
}

// Sealer encrypts archive data. The archive id is bound to the ciphertext.
type Sealer interface {
	Seal(ctx context.Context, archiveID string, plaintext []byte) (Sealed, error)
}

// Opener decrypts data sealed by a Sealer.
type Opener interface {
	Open(ctx context.Context, archiveID, keyID string, ciphertext []byte) ([]byte, error)
}

// Config configures a Store.
type Config struct {
	Dir string

	RetentionCount int
	RetentionDays  int

	// Compression is CompressionZstd (default) or CompressionNone.
	Compression string

	// Sealer, when set, encrypts every archive written.
	Sealer Sealer

	// Opener decrypts sealed archives on load.
	Opener Opener

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		RetentionCount: DefaultRetentionCount,
		RetentionDays:  DefaultRetentionDays,
		Compression:    CompressionZstd,
	}
}

type archiveHeader struct {
	Version     int    `json:"version"`
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	CreatedAt   int64  `json:"created_at"`
	Records     uint64 `json:"records"`
	RawBytes    uint64 `json:"raw_bytes"`
	Compression string `json:"compression"`
	Encrypted   bool   `json:"encrypted"`
	KeyID       string `json:"key_id,omitempty"`
	Algorithm   string `json:"algorithm,omitempty"`
}

// Info describes an archive on disk.
type Info struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Records     uint64    `json:"records"`
	RawBytes    uint64    `json:"raw_bytes"`
	Compression string    `json:"compression,omitempty"`
	Encrypted   bool      `json:"encrypted"`
	KeyID       string    `json:"key_id,omitempty"`
	Size        int64     `json:"size"`
	Path        string    `json:"path"`
	Checksum    string    `json:"checksum,omitempty"`
}

// Store manages the archives in one directory.
type Store struct {
	cfg    Config
	logger *slog.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// NewStore opens (creating if needed) the archive directory.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("backup: create dir: %w", err)
	}
	if cfg.RetentionCount == 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	switch cfg.Compression {
	case "":
		cfg.Compression = CompressionZstd
	case CompressionZstd, CompressionNone:
	default:
		return nil, fmt.Errorf("backup: unsupported compression %q", cfg.Compression)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("backup: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("backup: zstd decoder: %w", err)
	}

	return &Store{cfg: cfg, logger: cfg.Logger, enc: enc, dec: dec}, nil
}

// Write creates a new archive holding records.
func (s *Store) Write(ctx context.Context, kind Kind, records []Record) (*Info, error) {
	now := time.Now()
	id := ulid.Make().String()

	raw := encodeRecords(records)
	hdr := archiveHeader{
		Version:     headerVersion,
		ID:          id,
		Kind:        kind,
		CreatedAt:   now.UnixMilli(),
		Records:     uint64(len(records)),
		RawBytes:    uint64(len(raw)),
		Compression: s.cfg.Compression,
	}

	data := raw
	if s.cfg.Compression == CompressionZstd {
		data = s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	}
	if s.cfg.Sealer != nil {
		sealed, err := s.cfg.Sealer.Seal(ctx, id, data)
		if err != nil {
			return nil, fmt.Errorf("backup: seal: %w", err)
		}
		data = sealed.Ciphertext
		hdr.Encrypted = true
		hdr.KeyID = sealed.KeyID
		hdr.Algorithm = sealed.Algorithm
	}

	path, sum, size, err := s.writeFile(id, hdr, data)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("backup archive written",
		"id", id,
		"kind", kind,
		"records", len(records),
		"size", size)

	return &Info{
		ID:          id,
		Kind:        kind,
		CreatedAt:   time.UnixMilli(hdr.CreatedAt),
		Records:     hdr.Records,
		RawBytes:    hdr.RawBytes,
		Compression: hdr.Compression,
		Encrypted:   hdr.Encrypted,
		KeyID:       hdr.KeyID,
		Size:        size,
		Path:        path,
		Checksum:    hex.EncodeToString(sum),
	}, nil
}

func (s *Store) writeFile(id string, hdr archiveHeader, data []byte) (string, []byte, int64, error) {
	tempPath := filepath.Join(s.cfg.Dir, id+".tmp")
	file, err := os.Create(tempPath)
	if err != nil {
		return "", nil, 0, fmt.Errorf("backup: create temp file: %w", err)
	}
	defer os.Remove(tempPath)

	hash := sha256.New()
	w := bufio.NewWriter(io.MultiWriter(file, hash))

	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		file.Close()
		return "", nil, 0, fmt.Errorf("backup: marshal header: %w", err)
	}

	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(hdrJSON)))
	var dataLen [8]byte
	binary.BigEndian.PutUint64(dataLen[:], uint64(len(data)))

	for _, part := range [][]byte{magicBytes, hdrLen[:], hdrJSON, dataLen[:], data} {
		if _, err := w.Write(part); err != nil {
			file.Close()
			return "", nil, 0, fmt.Errorf("backup: write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return "", nil, 0, fmt.Errorf("backup: flush: %w", err)
	}

	// Checksum trailer is not part of the hash.
	sum := hash.Sum(nil)
	if _, err := file.Write(sum); err != nil {
		file.Close()
		return "", nil, 0, fmt.Errorf("backup: write checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return "", nil, 0, fmt.Errorf("backup: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", nil, 0, fmt.Errorf("backup: close: %w", err)
	}

	stat, err := os.Stat(tempPath)
	if err != nil {
		return "", nil, 0, err
	}

	finalPath := filepath.Join(s.cfg.Dir, filePrefix+id+fileExtension)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", nil, 0, fmt.Errorf("backup: rename: %w", err)
	}
	return finalPath, sum, stat.Size(), nil
}

// Load reads and verifies the archive with the given id.
func (s *Store) Load(ctx context.Context, id string) (*Info, []Record, error) {
	path := filepath.Join(s.cfg.Dir, filePrefix+id+fileExtension)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return s.loadFile(ctx, path)
}

// LoadLatest loads the newest archive that verifies, skipping corrupted
// ones.
func (s *Store) LoadLatest(ctx context.Context) (*Info, []Record, error) {
	infos, err := s.List()
	if err != nil {
		return nil, nil, err
	}
	for i := len(infos) - 1; i >= 0; i-- {
		info, records, err := s.loadFile(ctx, infos[i].Path)
		if err == nil {
			return info, records, nil
		}
		if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrInvalidMagic) {
			s.logger.Warn("skipping corrupted backup archive", "path", infos[i].Path, "error", err)
			continue
		}
		return nil, nil, err
	}
	return nil, nil, ErrNoArchives
}

func (s *Store) loadFile(ctx context.Context, path string) (*Info, []Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if stat.Size() < int64(len(magicBytes))+checksumSize {
		return nil, nil, ErrChecksumMismatch
	}

	bodyLen := stat.Size() - checksumSize
	expected := make([]byte, checksumSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, bodyLen, checksumSize), expected); err != nil {
		return nil, nil, err
	}
	h := sha256.New()
	if _, err := io.CopyN(h, io.NewSectionReader(f, 0, bodyLen), bodyLen); err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(h.Sum(nil), expected) {
		return nil, nil, ErrChecksumMismatch
	}

	br := bufio.NewReader(io.NewSectionReader(f, 0, bodyLen))

	magic := make([]byte, len(magicBytes))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(magic, magicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var hdrLenBuf [4]byte
	if _, err := io.ReadFull(br, hdrLenBuf[:]); err != nil {
		return nil, nil, err
	}
	hdrLen := binary.BigEndian.Uint32(hdrLenBuf[:])
	if hdrLen == 0 || int64(hdrLen) > bodyLen {
		return nil, nil, fmt.Errorf("backup: bad header length %d", hdrLen)
	}
	hdrJSON := make([]byte, hdrLen)
	if _, err := io.ReadFull(br, hdrJSON); err != nil {
		return nil, nil, err
	}
	var hdr archiveHeader
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, nil, fmt.Errorf("backup: unmarshal header: %w", err)
	}

	var dataLenBuf [8]byte
	if _, err := io.ReadFull(br, dataLenBuf[:]); err != nil {
		return nil, nil, err
	}
	dataSize := binary.BigEndian.Uint64(dataLenBuf[:])
	if dataSize > uint64(bodyLen) {
		return nil, nil, fmt.Errorf("backup: bad data length %d", dataSize)
	}
	data := make([]byte, dataSize)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, nil, err
	}

	if hdr.Encrypted {
		if s.cfg.Opener == nil {
			return nil, nil, ErrSealed
		}
		data, err = s.cfg.Opener.Open(ctx, hdr.ID, hdr.KeyID, data)
		if err != nil {
			return nil, nil, fmt.Errorf("backup: open: %w", err)
		}
	}
	if hdr.Compression == CompressionZstd {
		data, err = s.dec.DecodeAll(data, make([]byte, 0, hdr.RawBytes))
		if err != nil {
			return nil, nil, fmt.Errorf("backup: decompress: %w", err)
		}
	}

	records, err := decodeRecords(data, hdr.Records)
	if err != nil {
		return nil, nil, err
	}

	info := &Info{
		ID:          hdr.ID,
		Kind:        hdr.Kind,
		CreatedAt:   time.UnixMilli(hdr.CreatedAt),
		Records:     hdr.Records,
		RawBytes:    hdr.RawBytes,
		Compression: hdr.Compression,
		Encrypted:   hdr.Encrypted,
		KeyID:       hdr.KeyID,
		Size:        stat.Size(),
		Path:        path,
		Checksum:    hex.EncodeToString(expected),
	}
	return info, records, nil
}

// List lists archives oldest first (metadata from the file name only).
func (s *Store) List() ([]*Info, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExtension) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	infos := make([]*Info, 0, len(names))
	for _, name := range names {
		p := filepath.Join(s.cfg.Dir, name)
		stat, err := os.Stat(p)
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExtension)
		info := &Info{ID: id, Path: p, Size: stat.Size()}
		if u, err := ulid.ParseStrict(id); err == nil {
			info.CreatedAt = ulid.Time(u.Time())
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Prune applies the retention policy and returns how many archives were
// removed. The newest archive is always kept.
func (s *Store) Prune() (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(infos) <= 1 {
		return 0, nil
	}

	keep := make(map[string]struct{}, len(infos))

	if s.cfg.RetentionCount > 0 {
		start := max(len(infos)-s.cfg.RetentionCount, 0)
		for _, info := range infos[start:] {
			keep[info.Path] = struct{}{}
		}
	}

	if s.cfg.RetentionDays > 0 {
		cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		for _, info := range infos {
			st, err := os.Stat(info.Path)
			if err != nil {
				continue
			}
			if st.ModTime().After(cutoff) {
				keep[info.Path] = struct{}{}
			}
		}
	}

	keep[infos[len(infos)-1].Path] = struct{}{}

	removed := 0
	for _, info := range infos {
		if _, ok := keep[info.Path]; ok {
			continue
		}
		if err := os.Remove(info.Path); err != nil {
			s.logger.Warn("prune backup archive failed", "path", info.Path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Dir returns the archive directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return nil
}
