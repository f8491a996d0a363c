package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// ArtifactCaps bounds what a task may leave in its sandbox
type ArtifactCaps struct {
	MaxBytes      int64
	MaxFiles      int
	MaxPathLength int
}

// DefaultArtifactCaps returns the standard sandbox output limits
func DefaultArtifactCaps() ArtifactCaps {
	return ArtifactCaps{
		MaxBytes:      100 << 20,
		MaxFiles:      256,
		MaxPathLength: 255,
	}
}

// CaptureManifest walks the sandbox root and records every regular file
// with its size and SHA-256 digest. Symlinks and paths escaping the root
// are rejected, as are trees exceeding the caps.
func CaptureManifest(taskID, root string, caps ArtifactCaps) (*types.ArtifactManifest, error) {
	manifest := &types.ArtifactManifest{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "resolve sandbox root")
	}

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return errdefs.E(errdefs.KindArtifactIntegrity, "symlink in sandbox output").WithRef(path)
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return errdefs.E(errdefs.KindArtifactIntegrity, "non-regular file in sandbox output").WithRef(path)
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return errdefs.E(errdefs.KindArtifactIntegrity, "path escapes sandbox root").WithRef(path)
		}
		if caps.MaxPathLength > 0 && len(rel) > caps.MaxPathLength {
			return errdefs.E(errdefs.KindArtifactIntegrity, "artifact path too long").WithRef(rel)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		digest, err := hashFile(path)
		if err != nil {
			return err
		}

		manifest.Files = append(manifest.Files, &types.ArtifactFile{
			RelativePath: filepath.ToSlash(rel),
			SizeBytes:    info.Size(),
			SHA256:       digest,
			CreatedAt:    info.ModTime().UTC(),
		})
		manifest.TotalBytes += info.Size()

		if caps.MaxFiles > 0 && len(manifest.Files) > caps.MaxFiles {
			return errdefs.Ef(errdefs.KindArtifactIntegrity, "artifact count exceeds cap %d", caps.MaxFiles)
		}
		if caps.MaxBytes > 0 && manifest.TotalBytes > caps.MaxBytes {
			return errdefs.Ef(errdefs.KindArtifactIntegrity, "artifact bytes exceed cap %d", caps.MaxBytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// VerifyManifest recomputes every file digest under root against the
// manifest. Missing, extra or altered files fail with artifact_integrity.
// Hashing runs in parallel, bounded by the CPU count.
func VerifyManifest(root string, manifest *types.ArtifactManifest) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "resolve sandbox root")
	}

	listed := make(map[string]*types.ArtifactFile, len(manifest.Files))
	for _, f := range manifest.Files {
		listed[f.RelativePath] = f
	}

	var toHash []string
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if _, ok := listed[rel]; !ok {
			return errdefs.E(errdefs.KindArtifactIntegrity, "file not in manifest").WithRef(rel)
		}
		toHash = append(toHash, rel)
		return nil
	})
	if err != nil {
		return err
	}
	if len(toHash) != len(manifest.Files) {
		return errdefs.Ef(errdefs.KindArtifactIntegrity,
			"manifest lists %d files, sandbox holds %d", len(manifest.Files), len(toHash))
	}

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, rel := range toHash {
		rel := rel
		g.Go(func() error {
			digest, err := hashFile(filepath.Join(absRoot, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			if digest != listed[rel].SHA256 {
				return errdefs.E(errdefs.KindArtifactIntegrity, "digest mismatch").WithRef(rel)
			}
			return nil
		})
	}
	return g.Wait()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
