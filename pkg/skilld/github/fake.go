package github

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FakeClient is an in-memory repository for tests.
type FakeClient struct {
	lock     sync.Mutex
	name     string
	branches map[string]string
	commits  map[string]map[string]string
	// Err, when set, is returned from every call.
	Err error
}

var _ Client = &FakeClient{}

func NewFakeClient(repository string) *FakeClient {
	return &FakeClient{
		name:     repository,
		branches: make(map[string]string),
		commits:  make(map[string]map[string]string),
	}
}

// Commit records a commit with the given complete file set and points branch at it.
func (c *FakeClient) Commit(branch, sha string, files map[string]string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	copied := make(map[string]string, len(files))
	for path, content := range files {
		copied[path] = content
	}
	c.commits[sha] = copied
	c.branches[branch] = sha
}

func (c *FakeClient) Repository() string {
	return c.name
}

func (c *FakeClient) BranchHead(ctx context.Context, branch string) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	sha, ok := c.branches[branch]
	if !ok {
		return "", fmt.Errorf("branch %s: %w", branch, ErrNotFound)
	}
	return sha, nil
}

func (c *FakeClient) commit(ref string) (map[string]string, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	files, ok := c.commits[ref]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", ref, ErrNotFound)
	}
	return files, nil
}

func (c *FakeClient) Files(ctx context.Context, ref string) ([]string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	files, err := c.commit(ref)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func (c *FakeClient) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	before, err := c.commit(base)
	if err != nil {
		return nil, err
	}
	after, err := c.commit(head)
	if err != nil {
		return nil, err
	}
	changed := make([]string, 0)
	for path, content := range after {
		if old, ok := before[path]; !ok || old != content {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func (c *FakeClient) FileContent(ctx context.Context, ref, path string) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	files, err := c.commit(ref)
	if err != nil {
		return nil, err
	}
	content, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("%s at %s: %w", path, ref, ErrNotFound)
	}
	return []byte(content), nil
}
