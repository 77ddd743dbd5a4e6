package github

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	gh "github.com/google/go-github/v41/github"
	"github.com/nais/skilld/pkg/skilld/metrics"
)

var (
	ErrNotFound = fmt.Errorf("not found on GitHub")
)

// Client reads repository contents at specific commits.
type Client interface {
	// Repository returns the full name of the repository, as owner/name.
	Repository() string
	// BranchHead returns the commit the branch currently points to.
	BranchHead(ctx context.Context, branch string) (string, error)
	// Files returns the path of every file in the repository at ref.
	Files(ctx context.Context, ref string) ([]string, error)
	// ChangedFiles returns the paths of files added or modified between base and head.
	ChangedFiles(ctx context.Context, base, head string) ([]string, error)
	// FileContent returns the content of path at ref.
	FileContent(ctx context.Context, ref, path string) ([]byte, error)
}

type client struct {
	client     *gh.Client
	owner      string
	name       string
	repository string
}

func New(c *gh.Client, repository string) (Client, error) {
	owner, name, err := SplitFullname(repository)
	if err != nil {
		return nil, err
	}
	return &client{
		client:     c,
		owner:      owner,
		name:       name,
		repository: repository,
	}, nil
}

func observe(resp *gh.Response, err error) error {
	if resp != nil {
		metrics.GitHubRequest(resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, err)
		}
	}
	return err
}

func (c *client) Repository() string {
	return c.repository
}

func (c *client) BranchHead(ctx context.Context, branch string) (string, error) {
	ref, resp, err := c.client.Git.GetRef(ctx, c.owner, c.name, "heads/"+branch)
	if err = observe(resp, err); err != nil {
		return "", fmt.Errorf("get head of branch %s: %w", branch, err)
	}
	sha := ref.GetObject().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("branch %s has no head commit", branch)
	}
	return sha, nil
}

// blobs maps every file path at ref to its blob hash.
func (c *client) blobs(ctx context.Context, ref string) (map[string]string, error) {
	tree, resp, err := c.client.Git.GetTree(ctx, c.owner, c.name, ref, true)
	if err = observe(resp, err); err != nil {
		return nil, fmt.Errorf("get tree of %s: %w", ref, err)
	}
	if tree.GetTruncated() {
		return nil, fmt.Errorf("tree of %s is too large to list", ref)
	}

	blobs := make(map[string]string, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		blobs[entry.GetPath()] = entry.GetSHA()
	}
	return blobs, nil
}

func (c *client) Files(ctx context.Context, ref string) ([]string, error) {
	blobs, err := c.blobs(ctx, ref)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(blobs))
	for path := range blobs {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// ChangedFiles compares the trees of both commits, so the result covers every
// commit in between regardless of how many there are.
func (c *client) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	before, err := c.blobs(ctx, base)
	if err != nil {
		return nil, err
	}
	after, err := c.blobs(ctx, head)
	if err != nil {
		return nil, err
	}

	changed := make([]string, 0)
	for path, sha := range after {
		if before[path] != sha {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func (c *client) FileContent(ctx context.Context, ref, path string) ([]byte, error) {
	file, _, resp, err := c.client.Repositories.GetContents(ctx, c.owner, c.name, path, &gh.RepositoryContentGetOptions{
		Ref: ref,
	})
	if err = observe(resp, err); err != nil {
		return nil, fmt.Errorf("get %s at %s: %w", path, ref, err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s at %s is not a file", path, ref)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode %s at %s: %w", path, ref, err)
	}
	return []byte(content), nil
}
