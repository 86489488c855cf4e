package storage

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/vjranagit/modelvault/pkg/types"
)

// ManifestName is the bundle entry describing the packed artifacts
const ManifestName = "MANIFEST.json"

// maxBundleEntry bounds a single decompressed artifact
const maxBundleEntry = 1 << 30

// BundleManifest lists every packed artifact with its checksum
type BundleManifest struct {
	Family    string            `json:"family"`
	Version   types.VersionID   `json:"version,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Files     []BundleFileEntry `json:"files"`
}

// BundleFileEntry describes one artifact inside a bundle
type BundleFileEntry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Compressor packs artifact sets into zstd-compressed tar bundles
type Compressor struct {
	level zstd.EncoderLevel
}

// NewCompressor creates a new compressor
func NewCompressor(level int) (*Compressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	default:
		return nil, fmt.Errorf("compression level must be between 1 and 4, got %d", level)
	}
	return &Compressor{level: encLevel}, nil
}

// WriteBundle streams set as a .tar.zst bundle into w. The manifest is the
// first entry so readers can verify while extracting.
func (c *Compressor) WriteBundle(w io.Writer, family string, version types.VersionID, set types.ArtifactSet) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	tw := tar.NewWriter(enc)

	files := set.Files()
	manifest := BundleManifest{
		Family:    family,
		Version:   version,
		CreatedAt: time.Now().UTC(),
		Files:     make([]BundleFileEntry, 0, len(files)),
	}
	for _, f := range files {
		sum := sha256.Sum256(f.Data)
		manifest.Files = append(manifest.Files, BundleFileEntry{
			Name:   f.Name,
			Size:   int64(len(f.Data)),
			SHA256: hex.EncodeToString(sum[:]),
		})
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		enc.Close()
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := writeTarEntry(tw, ManifestName, manifestData, manifest.CreatedAt); err != nil {
		enc.Close()
		return err
	}
	for _, f := range files {
		if err := writeTarEntry(tw, f.Name, f.Data, manifest.CreatedAt); err != nil {
			enc.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		enc.Close()
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	return enc.Close()
}

// PackArtifactSet returns the bundle bytes for set
func (c *Compressor) PackArtifactSet(family string, version types.VersionID, set types.ArtifactSet) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.WriteBundle(&buf, family, version, set); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnpackArtifactSet decodes a bundle and verifies every artifact against the
// manifest
func (c *Compressor) UnpackArtifactSet(data []byte) (BundleManifest, types.ArtifactSet, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return BundleManifest{}, types.ArtifactSet{}, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	var (
		manifest     BundleManifest
		haveManifest bool
		files        []types.Artifact
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return BundleManifest{}, types.ArtifactSet{}, fmt.Errorf("decompression failed: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		content, err := io.ReadAll(io.LimitReader(tr, maxBundleEntry))
		if err != nil {
			return BundleManifest{}, types.ArtifactSet{}, fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		if hdr.Name == ManifestName && !haveManifest {
			if err := json.Unmarshal(content, &manifest); err != nil {
				return BundleManifest{}, types.ArtifactSet{}, fmt.Errorf("invalid manifest: %w", err)
			}
			haveManifest = true
			continue
		}
		files = append(files, types.Artifact{Name: hdr.Name, Data: content})
	}

	if !haveManifest {
		return BundleManifest{}, types.ArtifactSet{}, fmt.Errorf("bundle has no %s", ManifestName)
	}
	if err := verifyManifest(manifest, files); err != nil {
		return BundleManifest{}, types.ArtifactSet{}, err
	}

	set, err := types.NewArtifactSet(files...)
	if err != nil {
		return BundleManifest{}, types.ArtifactSet{}, err
	}
	return manifest, set, nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    filePerm,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func verifyManifest(manifest BundleManifest, files []types.Artifact) error {
	if len(manifest.Files) != len(files) {
		return fmt.Errorf("manifest lists %d files, bundle has %d", len(manifest.Files), len(files))
	}
	byName := make(map[string]BundleFileEntry, len(manifest.Files))
	for _, e := range manifest.Files {
		byName[e.Name] = e
	}
	for _, f := range files {
		entry, ok := byName[f.Name]
		if !ok {
			return fmt.Errorf("file %s missing from manifest", f.Name)
		}
		sum := sha256.Sum256(f.Data)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			return fmt.Errorf("checksum mismatch for %s", f.Name)
		}
	}
	return nil
}
