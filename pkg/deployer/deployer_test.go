package deployer_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nais/skilld/pkg/deployer"
	"github.com/nais/skilld/pkg/lock"
	"github.com/nais/skilld/pkg/skill"
	"github.com/nais/skilld/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func document(name, version string) *skill.Document {
	content := fmt.Sprintf("---\nname: %s\nversion: \"%s\"\ndescription: x\n---\n# %s\n", name, version, name)
	return &skill.Document{
		Name:        name,
		Version:     version,
		Description: "x",
		Content:     []byte(content),
		Size:        len(content),
		Filename:    name + "/SKILL.md",
	}
}

type fixture struct {
	skillDir string
	stateDir string
	locks    *lock.FileService
}

func newFixture(t *testing.T) *fixture {
	root := t.TempDir()
	f := &fixture{
		skillDir: filepath.Join(root, "skills"),
		stateDir: filepath.Join(root, "state"),
	}
	locks, err := lock.NewFileService(filepath.Join(f.stateDir, "locks"))
	require.NoError(t, err)
	f.locks = locks
	require.NoError(t, os.MkdirAll(f.skillDir, 0o755))
	return f
}

func (f *fixture) deployer(t *testing.T, opts ...deployer.Option) *deployer.Deployer {
	d, err := deployer.New(deployer.Config{
		SkillDir:      f.skillDir,
		StateDir:      f.stateDir,
		HealthTimeout: time.Second,
	}, f.locks, opts...)
	require.NoError(t, err)
	return d
}

func (f *fixture) write(t *testing.T, rel, content string) {
	path := filepath.Join(f.skillDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// tree returns every file and directory below dir, except the reload sentinel.
func tree(t *testing.T, dir string) map[string]string {
	entries := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(dir, path)
		if rel == "." || rel == deployer.DefaultSentinel {
			return nil
		}
		if entry.IsDir() {
			entries[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		entries[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return entries
}

func sentinel(t *testing.T, dir string) int64 {
	data, err := os.ReadFile(filepath.Join(dir, deployer.DefaultSentinel))
	require.NoError(t, err)
	value, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	require.NoError(t, err)
	return value
}

var metadata = types.Metadata{
	types.MetadataTrigger:   string(types.TriggerWebhook),
	types.MetadataCommitSHA: "abc123",
}

func TestDeploySuccess(t *testing.T) {
	f := newFixture(t)
	d := f.deployer(t)

	deployment, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "1.0")}, metadata)
	require.NoError(t, err)

	assert.True(t, deployment.Succeeded())
	assert.NotEmpty(t, deployment.ID)
	assert.Equal(t, []types.DeployedSkill{{Name: "foo", Version: "1.0", Path: filepath.Join("foo", "SKILL.md")}}, deployment.Deployed)
	assert.Empty(t, deployment.Failed)
	assert.Equal(t, metadata, deployment.Metadata)

	content, err := os.ReadFile(filepath.Join(f.skillDir, "foo", "SKILL.md"))
	require.NoError(t, err)
	assert.Equal(t, document("foo", "1.0").Content, content)
	assert.Greater(t, sentinel(t, f.skillDir), int64(0))

	docs, err := d.ListDeployed()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "foo", docs[0].Name)
	assert.Equal(t, "1.0", docs[0].Version)

	_, err = os.Stat(filepath.Join(f.stateDir, "backups", deployment.ID, "manifest.json"))
	assert.NoError(t, err)

	locked, err := f.locks.IsLocked(context.Background(), lock.DeploymentKey)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestDeployBacksUpPreviousState(t *testing.T) {
	f := newFixture(t)
	f.write(t, "foo/SKILL.md", "old foo")
	f.write(t, "foo/notes.txt", "notes")
	d := f.deployer(t)

	deployment, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "2.0")}, metadata)
	require.NoError(t, err)

	files := filepath.Join(f.stateDir, "backups", deployment.ID, "files")
	backup := tree(t, files)
	assert.Equal(t, "old foo", backup["foo/SKILL.md"])
	assert.Equal(t, "notes", backup["foo/notes.txt"])

	// Files not part of the batch are left alone.
	current := tree(t, f.skillDir)
	assert.Equal(t, "notes", current["foo/notes.txt"])
}

func TestDeployRollbackAfterPartialWrite(t *testing.T) {
	f := newFixture(t)
	f.write(t, "foo/SKILL.md", "old foo")
	f.write(t, "other/SKILL.md", "untouched")
	// A non-empty directory where the last document must go makes its rename fail.
	f.write(t, "zzz/SKILL.md/blocker", "blocker")
	d := f.deployer(t)

	before := tree(t, f.skillDir)

	docs := []*skill.Document{
		document("foo", "2.0"),
		document("bar", "1.0"),
		document("zzz", "1.0"),
	}
	deployment, err := d.Deploy(context.Background(), docs, metadata)
	require.Error(t, err)

	var deployErr *deployer.Error
	require.True(t, errors.As(err, &deployErr))
	assert.True(t, deployErr.RolledBack)
	assert.NoError(t, deployErr.RollbackErr)
	assert.Equal(t, "write zzz", deployErr.Op)

	assert.False(t, deployment.Succeeded())
	assert.Empty(t, deployment.Deployed)
	assert.Len(t, deployment.Failed, 3)

	assert.Equal(t, before, tree(t, f.skillDir))
	assert.Greater(t, sentinel(t, f.skillDir), int64(0))

	locked, err := f.locks.IsLocked(context.Background(), lock.DeploymentKey)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestDeployRollbackOnHealthCheckFailure(t *testing.T) {
	f := newFixture(t)
	f.write(t, "foo/SKILL.md", "old foo")

	failing := func(ctx context.Context, dir string, written map[string]string) error {
		return errors.New("serving host unreachable")
	}
	d := f.deployer(t, deployer.WithHealthCheck(failing))

	before := tree(t, f.skillDir)

	deployment, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "2.0"), document("bar", "1.0")}, metadata)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serving host unreachable")
	assert.Equal(t, types.DeploymentStateFailed, deployment.State)

	assert.Equal(t, before, tree(t, f.skillDir))
}

func TestDeployRollbackRestoresSymlinks(t *testing.T) {
	f := newFixture(t)
	f.write(t, "shared/README", "shared readme")
	f.write(t, "shared/SKILL.md", "shared skill")
	f.write(t, "foo/SKILL.md", "old foo")
	require.NoError(t, os.Symlink("../shared/README", filepath.Join(f.skillDir, "foo", "README")))
	require.NoError(t, os.MkdirAll(filepath.Join(f.skillDir, "linked"), 0o755))
	require.NoError(t, os.Symlink("../shared/SKILL.md", filepath.Join(f.skillDir, "linked", "SKILL.md")))

	failing := func(ctx context.Context, dir string, written map[string]string) error {
		return errors.New("serving host unreachable")
	}
	d := f.deployer(t, deployer.WithHealthCheck(failing))

	before := tree(t, f.skillDir)

	_, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "2.0"), document("linked", "1.0")}, metadata)
	require.Error(t, err)

	var deployErr *deployer.Error
	require.True(t, errors.As(err, &deployErr))
	assert.True(t, deployErr.RolledBack)
	assert.NoError(t, deployErr.RollbackErr)

	for link, expected := range map[string]string{
		"foo/README":      "../shared/README",
		"linked/SKILL.md": "../shared/SKILL.md",
	} {
		target, err := os.Readlink(filepath.Join(f.skillDir, link))
		require.NoError(t, err, link)
		assert.Equal(t, expected, target, link)
	}
	assert.Equal(t, before, tree(t, f.skillDir))
}

func TestDeployHealthCheckTimeout(t *testing.T) {
	f := newFixture(t)

	hanging := func(ctx context.Context, dir string, written map[string]string) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	}
	d, err := deployer.New(deployer.Config{
		SkillDir:      f.skillDir,
		StateDir:      f.stateDir,
		HealthTimeout: 20 * time.Millisecond,
	}, f.locks, deployer.WithHealthCheck(hanging))
	require.NoError(t, err)

	_, err = d.Deploy(context.Background(), []*skill.Document{document("foo", "1.0")}, metadata)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = os.Stat(filepath.Join(f.skillDir, "foo"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeployLockHeld(t *testing.T) {
	f := newFixture(t)
	d := f.deployer(t)

	release, err := f.locks.Acquire(context.Background(), lock.DeploymentKey, time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	deployment, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "1.0")}, metadata)
	assert.ErrorIs(t, err, lock.ErrLockHeld)
	assert.False(t, deployment.Succeeded())

	assert.Empty(t, tree(t, f.skillDir))
	_, err = os.Stat(filepath.Join(f.skillDir, deployer.DefaultSentinel))
	assert.True(t, os.IsNotExist(err))
}

func TestDeployRejectsAmbiguousBatch(t *testing.T) {
	f := newFixture(t)
	d := f.deployer(t)

	_, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "1.0"), document("foo", "2.0")}, metadata)
	assert.Error(t, err)

	_, err = d.Deploy(context.Background(), []*skill.Document{document("../foo", "1.0")}, metadata)
	assert.Error(t, err)

	assert.Empty(t, tree(t, f.skillDir))
}

func TestSentinelIsMonotonic(t *testing.T) {
	f := newFixture(t)
	fixed := time.Unix(1700000000, 0)
	d := f.deployer(t, deployer.WithClock(func() time.Time { return fixed }))

	_, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "1.0")}, metadata)
	require.NoError(t, err)
	first := sentinel(t, f.skillDir)
	assert.Equal(t, fixed.UnixMilli(), first)

	_, err = d.Deploy(context.Background(), []*skill.Document{document("foo", "1.1")}, metadata)
	require.NoError(t, err)
	assert.Equal(t, first+1, sentinel(t, f.skillDir))
}

type archiver struct {
	locks   lock.Service
	archive []string
	locked  bool
}

func (a *archiver) Archive(ctx context.Context, deploymentID, dir string) error {
	a.archive = append(a.archive, deploymentID)
	a.locked, _ = a.locks.IsLocked(ctx, lock.DeploymentKey)
	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err != nil {
		return err
	}
	return errors.New("bucket unavailable")
}

func TestDeployArchivesBackupAfterRelease(t *testing.T) {
	f := newFixture(t)
	a := &archiver{locks: f.locks}
	d := f.deployer(t, deployer.WithArchiver(a))

	deployment, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "1.0")}, metadata)
	require.NoError(t, err, "archive errors do not fail the deployment")

	assert.Equal(t, []string{deployment.ID}, a.archive)
	assert.False(t, a.locked)
}

type stalledArchiver struct {
	deadline bool
}

func (a *stalledArchiver) Archive(ctx context.Context, deploymentID, dir string) error {
	_, a.deadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestDeployArchiveTimeout(t *testing.T) {
	f := newFixture(t)
	a := &stalledArchiver{}
	d, err := deployer.New(deployer.Config{
		SkillDir:       f.skillDir,
		StateDir:       f.stateDir,
		HealthTimeout:  time.Second,
		ArchiveTimeout: 20 * time.Millisecond,
	}, f.locks, deployer.WithArchiver(a))
	require.NoError(t, err)

	start := time.Now()
	deployment, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "1.0")}, metadata)
	require.NoError(t, err)
	assert.True(t, deployment.Succeeded())
	assert.True(t, a.deadline)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDrainWaitsForRunningDeployment(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	proceed := make(chan struct{})
	blocking := func(ctx context.Context, dir string, written map[string]string) error {
		close(entered)
		<-proceed
		return nil
	}
	d, err := deployer.New(deployer.Config{
		SkillDir:      f.skillDir,
		StateDir:      f.stateDir,
		HealthTimeout: time.Minute,
	}, f.locks, deployer.WithHealthCheck(blocking))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := d.Deploy(context.Background(), []*skill.Document{document("foo", "1.0")}, metadata)
		result <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Drain(ctx), context.DeadlineExceeded)

	drained := make(chan error, 1)
	go func() {
		drained <- d.Drain(context.Background())
	}()

	close(proceed)
	require.NoError(t, <-result)
	require.NoError(t, <-drained)

	_, err = os.Stat(filepath.Join(f.skillDir, "foo", "SKILL.md"))
	assert.NoError(t, err)

	deployment, err := d.Deploy(context.Background(), []*skill.Document{document("bar", "1.0")}, metadata)
	assert.ErrorIs(t, err, deployer.ErrDraining)
	assert.False(t, deployment.Succeeded())
	_, err = os.Stat(filepath.Join(f.skillDir, "bar"))
	assert.True(t, os.IsNotExist(err))
}

func TestListDeployed(t *testing.T) {
	f := newFixture(t)
	f.write(t, "b/SKILL.md", "---\nname: b\nversion: \"2.0\"\ndescription: x\n---\n")
	f.write(t, "a/SKILL.md", "---\nname: a\nversion: \"1.0\"\ndescription: x\n---\n")
	f.write(t, "broken/SKILL.md", "no metadata here")
	f.write(t, "empty/README.md", "nothing")
	f.write(t, deployer.DefaultSentinel, "1")
	d := f.deployer(t)

	docs, err := d.ListDeployed()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Name)
	assert.Equal(t, "b", docs[1].Name)

	versions, err := d.Deployed()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1.0", "b": "2.0"}, versions)
}

func TestNewRejectsBadConfig(t *testing.T) {
	f := newFixture(t)

	_, err := deployer.New(deployer.Config{StateDir: f.stateDir}, f.locks)
	assert.Error(t, err)

	_, err = deployer.New(deployer.Config{SkillDir: f.skillDir}, f.locks)
	assert.Error(t, err)

	_, err = deployer.New(deployer.Config{SkillDir: f.skillDir, StateDir: f.stateDir, Sentinel: "a/b"}, f.locks)
	assert.Error(t, err)
}
