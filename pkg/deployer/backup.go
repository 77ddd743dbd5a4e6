package deployer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	backupManifestFilename = "manifest.json"
	backupFilesDir         = "files"
)

// BackupManifest describes a snapshot of the skill directory.
type BackupManifest struct {
	DeploymentID string        `json:"deploymentID"`
	Created      time.Time     `json:"created"`
	Source       string        `json:"source"`
	Directories  []string      `json:"directories"`
	Files        []BackupEntry `json:"files"`
	Links        []BackupLink  `json:"links"`
}

type BackupEntry struct {
	Path string      `json:"path"`
	Hash string      `json:"hash"`
	Size int64       `json:"size"`
	Mode fs.FileMode `json:"mode"`
}

// BackupLink is a symbolic link in the skill directory, kept as its target.
type BackupLink struct {
	Path   string `json:"path"`
	Target string `json:"target"`
}

// Backup is a full copy of the skill directory taken before a deployment.
type Backup struct {
	Dir      string
	Manifest BackupManifest
}

func (b *Backup) filesDir() string {
	return filepath.Join(b.Dir, backupFilesDir)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// snapshot copies every file of source, except the ones ignored, into a new
// backup directory.
func snapshot(source, dest, deploymentID string, now time.Time, ignore func(rel string) bool) (*Backup, error) {
	backup := &Backup{
		Dir: dest,
		Manifest: BackupManifest{
			DeploymentID: deploymentID,
			Created:      now,
			Source:       source,
			Directories:  make([]string, 0),
			Files:        make([]BackupEntry, 0),
			Links:        make([]BackupLink, 0),
		},
	}

	if err := os.MkdirAll(backup.filesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	err := filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if ignore(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(backup.filesDir(), rel)

		if entry.IsDir() {
			backup.Manifest.Directories = append(backup.Manifest.Directories, rel)
			return os.MkdirAll(target, 0o755)
		}

		if entry.Type()&fs.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			backup.Manifest.Links = append(backup.Manifest.Links, BackupLink{
				Path:   rel,
				Target: linkTarget,
			})
			return nil
		}

		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		hash, size, err := copyFile(path, target, info.Mode().Perm())
		if err != nil {
			return err
		}

		backup.Manifest.Files = append(backup.Manifest.Files, BackupEntry{
			Path: rel,
			Hash: hash,
			Size: size,
			Mode: info.Mode().Perm(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("copy skill directory: %w", err)
	}

	data, err := json.MarshalIndent(backup.Manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	err = os.WriteFile(filepath.Join(dest, backupManifestFilename), data, 0o644)
	if err != nil {
		return nil, fmt.Errorf("write backup manifest: %w", err)
	}

	return backup, nil
}

// copyFile copies src to dst and returns the hash of what was copied.
func copyFile(src, dst string, mode fs.FileMode) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return "", 0, err
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hasher), in)
	if err == nil {
		err = out.Sync()
	}
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, err
	}

	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// restore brings target back to the state recorded in the backup. Entries
// created after the snapshot are removed, every backed up file is rewritten
// atomically and every symbolic link is recreated. Other special files are
// never written by a deployment and are left alone.
func (b *Backup) restore(target string, ignore func(rel string) bool) error {
	files := make(map[string]BackupEntry, len(b.Manifest.Files))
	for _, entry := range b.Manifest.Files {
		files[entry.Path] = entry
	}
	links := make(map[string]bool, len(b.Manifest.Links))
	for _, link := range b.Manifest.Links {
		links[link.Path] = true
	}
	dirs := make(map[string]bool, len(b.Manifest.Directories))
	for _, dir := range b.Manifest.Directories {
		dirs[dir] = true
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	removals := make([]string, 0)
	err := filepath.WalkDir(target, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(target, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if ignore(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if !dirs[rel] {
				removals = append(removals, path)
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := files[rel]; ok || links[rel] {
			return nil
		}
		if entry.Type().IsRegular() || entry.Type()&fs.ModeSymlink != 0 {
			removals = append(removals, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan skill directory: %w", err)
	}

	var errs []error
	for _, path := range removals {
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
		}
	}

	sort.Strings(b.Manifest.Directories)
	for _, dir := range b.Manifest.Directories {
		path := filepath.Join(target, dir)
		info, err := os.Lstat(path)
		if err == nil && !info.IsDir() {
			if err := os.Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			errs = append(errs, err)
		}
	}

	for _, entry := range b.Manifest.Files {
		path := filepath.Join(target, entry.Path)
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		data, err := os.ReadFile(filepath.Join(b.filesDir(), entry.Path))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if hash := hashBytes(data); hash != entry.Hash {
			errs = append(errs, fmt.Errorf("backup of %s is corrupt: expected %s, got %s", entry.Path, entry.Hash, hash))
			continue
		}
		if err := writeAtomic(path, data, entry.Mode); err != nil {
			errs = append(errs, err)
		}
	}

	for _, link := range b.Manifest.Links {
		path := filepath.Join(target, link.Path)
		if current, err := os.Readlink(path); err == nil && current == link.Target {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Symlink(link.Target, path); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// writeAtomic writes data to a temporary file next to path and renames it into
// place, so readers see either the old or the new content.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+tempSuffix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, mode)
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
