package provider

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitRuleSource fetches mapping-rule files from a git repository so mapping
// tables can be reviewed and versioned like any other ops change.
type GitRuleSource struct {
	URL      string `yaml:"url" json:"url"`
	Ref      string `yaml:"ref" json:"ref"`
	Path     string `yaml:"path" json:"path"`
	Username string `yaml:"username" json:"username,omitempty"`
	Token    string `yaml:"token" json:"token,omitempty"`
}

type RuleFetcher struct {
	cacheDir string
}

func NewRuleFetcher(cacheDir string) *RuleFetcher {
	return &RuleFetcher{cacheDir: cacheDir}
}

// Fetch clones or updates the rule repository and returns the local path of
// the configured rule file.
func (rf *RuleFetcher) Fetch(ctx context.Context, src *GitRuleSource) (string, error) {
	hash := sha256.Sum256([]byte(src.URL))
	repoDir := filepath.Join(rf.cacheDir, fmt.Sprintf("%x", hash[:8]))

	var repo *git.Repository
	var err error

	if _, statErr := os.Stat(repoDir); os.IsNotExist(statErr) {
		cloneOpts := &git.CloneOptions{URL: src.URL}
		if src.Token != "" {
			cloneOpts.Auth = &http.BasicAuth{
				Username: src.Username,
				Password: src.Token,
			}
		}

		repo, err = git.PlainCloneContext(ctx, repoDir, false, cloneOpts)
		if err != nil {
			return "", fmt.Errorf("failed to clone rule repository: %w", err)
		}
	} else {
		repo, err = git.PlainOpen(repoDir)
		if err != nil {
			return "", fmt.Errorf("failed to open rule repository: %w", err)
		}

		err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin"})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return "", fmt.Errorf("failed to fetch rule updates: %w", err)
		}
	}

	if src.Ref != "" {
		w, err := repo.Worktree()
		if err != nil {
			return "", fmt.Errorf("failed to get worktree: %w", err)
		}

		if err := checkoutRef(w, src.Ref); err != nil {
			return "", err
		}
	}

	rulePath := filepath.Join(repoDir, src.Path)
	if _, err := os.Stat(rulePath); os.IsNotExist(err) {
		return "", fmt.Errorf("rule file not found at path: %s", src.Path)
	}

	return rulePath, nil
}

// checkoutRef tries the ref as a branch, then a tag, then a raw commit hash.
func checkoutRef(w *git.Worktree, ref string) error {
	opts := &git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(ref)}
	if err := w.Checkout(opts); err == nil {
		return nil
	}

	opts = &git.CheckoutOptions{Branch: plumbing.NewTagReferenceName(ref)}
	if err := w.Checkout(opts); err == nil {
		return nil
	}

	opts = &git.CheckoutOptions{Hash: plumbing.NewHash(ref)}
	if err := w.Checkout(opts); err != nil {
		return fmt.Errorf("failed to checkout ref %s: %w", ref, err)
	}
	return nil
}
