package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/funbringer/zenith/pkg/types"
)

// FileStorage persists base images and the checkpoint under a local
// directory. Image files are named by page identity and LSN and hold a
// zstd-compressed image prefixed by the LSN.
type FileStorage struct {
	baseDir    string
	imagesDir  string
	compressor *Compressor
	ckptMu     sync.Mutex
}

// NewFileStorage creates a file-backed storage rooted at baseDir.
func NewFileStorage(baseDir string) (*FileStorage, error) {
	fs := &FileStorage{
		baseDir:   baseDir,
		imagesDir: filepath.Join(baseDir, "images"),
	}
	if err := os.MkdirAll(fs.imagesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}
	compressor, err := NewCompressor()
	if err != nil {
		return nil, err
	}
	fs.compressor = compressor
	return fs, nil
}

func (fs *FileStorage) relDir(p types.PageID) string {
	return filepath.Join(fs.imagesDir, fmt.Sprintf("rel_%d", p.RelID))
}

func (fs *FileStorage) imageFile(p types.PageID, lsn types.Lsn) string {
	return filepath.Join(fs.relDir(p), fmt.Sprintf("%s_%d_%d", p.Fork, p.BlockNo, uint64(lsn)))
}

// StoreImage persists one full page image.
func (fs *FileStorage) StoreImage(p types.PageID, lsn, covered types.Lsn, image []byte) error {
	if err := os.MkdirAll(fs.relDir(p), 0755); err != nil {
		return fmt.Errorf("failed to create relation directory: %w", err)
	}

	// File layout: [base LSN (8 bytes)][covered LSN (8 bytes)][zstd-compressed image]
	buf := make([]byte, 16, 16+len(image))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(lsn))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(covered))
	buf = append(buf, fs.compressor.Compress(image)...)

	tmp := fs.imageFile(p, lsn) + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("failed to write image file: %w", err)
	}
	if err := os.Rename(tmp, fs.imageFile(p, lsn)); err != nil {
		return fmt.Errorf("failed to rename image file: %w", err)
	}
	return nil
}

// LoadImage loads the newest persisted image at or before lsn.
func (fs *FileStorage) LoadImage(p types.PageID, lsn types.Lsn) ([]byte, types.Lsn, types.Lsn, error) {
	pattern := filepath.Join(fs.relDir(p), fmt.Sprintf("%s_%d_*", p.Fork, p.BlockNo))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("failed to glob image files: %w", err)
	}

	var bestLSN types.Lsn
	var bestFile string
	for _, match := range matches {
		var fileLSN uint64
		format := fmt.Sprintf("%s_%d_%%d", p.Fork, p.BlockNo)
		if _, err := fmt.Sscanf(filepath.Base(match), format, &fileLSN); err != nil {
			continue
		}
		if types.Lsn(fileLSN) <= lsn && types.Lsn(fileLSN) > bestLSN {
			bestLSN = types.Lsn(fileLSN)
			bestFile = match
		}
	}
	if bestFile == "" {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("no persisted image for %s at %s: %w", p, lsn, types.ErrPageNotFound)
	}

	data, err := os.ReadFile(bestFile)
	if err != nil {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("failed to read image file: %w", err)
	}
	if len(data) < 16 {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("image file %s truncated", bestFile)
	}
	imageLSN := types.Lsn(binary.LittleEndian.Uint64(data[0:8]))
	covered := types.Lsn(binary.LittleEndian.Uint64(data[8:16]))
	image, err := fs.compressor.Decompress(data[16:])
	if err != nil {
		return nil, types.InvalidLsn, types.InvalidLsn, fmt.Errorf("image file %s: %w", bestFile, err)
	}
	return image, imageLSN, covered, nil
}

// StoreCheckpoint durably records the applied-LSN watermark.
func (fs *FileStorage) StoreCheckpoint(lsn types.Lsn) error {
	fs.ckptMu.Lock()
	defer fs.ckptMu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(lsn))
	tmp := filepath.Join(fs.baseDir, "checkpoint.tmp")
	if err := os.WriteFile(tmp, buf[:], 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(fs.baseDir, "checkpoint")); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the last recorded watermark.
func (fs *FileStorage) LoadCheckpoint() (types.Lsn, error) {
	data, err := os.ReadFile(filepath.Join(fs.baseDir, "checkpoint"))
	if err != nil {
		if os.IsNotExist(err) {
			return types.InvalidLsn, nil
		}
		return types.InvalidLsn, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if len(data) != 8 {
		return types.InvalidLsn, fmt.Errorf("checkpoint file has %d bytes, want 8", len(data))
	}
	return types.Lsn(binary.LittleEndian.Uint64(data)), nil
}

// Close releases the compressor.
func (fs *FileStorage) Close() error {
	return fs.compressor.Close()
}
