package deployer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// HealthCheck probes the skill directory after a deployment. written maps the
// path of every deployed file, relative to dir, to the hash of its content.
type HealthCheck func(ctx context.Context, dir string, written map[string]string) error

// DirectoryHealthCheck verifies that the skill directory is reachable and
// that every deployed file reads back with the expected content.
func DirectoryHealthCheck(ctx context.Context, dir string, written map[string]string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	for rel, expected := range written {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, _, err := hashFile(filepath.Join(dir, rel))
		if err != nil {
			return err
		}
		if hash != expected {
			return fmt.Errorf("%s: content mismatch after write", rel)
		}
	}

	return nil
}

// probe runs the check with a deadline. A check that does not return in time
// counts as failed.
func probe(ctx context.Context, check HealthCheck, dir string, written map[string]string) error {
	result := make(chan error, 1)
	go func() {
		result <- check(ctx, dir, written)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("health check: %w", ctx.Err())
	}
}
