// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github.com/Wasif-ZA/decision.log-sub001/internal/apperrors"
	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
)

const (
	perPage        = 100
	maxRetries     = 3
	requestTimeout = 30 * time.Second
)

// RepoRef identifies a repository on the platform.
type RepoRef struct {
	Owner string
	Name  string
}

// Page is one page of fetched artifacts. NextPage is zero when the sequence
// is exhausted; otherwise the caller may restart from exactly that page.
type Page struct {
	Artifacts []model.Artifact
	NextPage  int
}

// Client is a wrapper around the go-github client. It holds no credential
// state: the decrypted bearer token is supplied per call by the caller.
type Client struct {
	logger        *slog.Logger
	maxPatchBytes int
	baseURL       string // non-empty only in tests
}

// NewClient creates and configures a new Client instance.
func NewClient(logger *slog.Logger, maxPatchBytes int) *Client {
	return &Client{
		logger:        logger,
		maxPatchBytes: maxPatchBytes,
	}
}

// OverrideBaseURL points the client at an alternate API root. Test hook.
func (c *Client) OverrideBaseURL(url string) {
	c.baseURL = url
}

// api builds an authenticated go-github client for one call.
func (c *Client) api(ctx context.Context, token string) (*github.Client, error) {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(ctx, ts)
	} else {
		hc = &http.Client{}
	}
	hc.Timeout = requestTimeout

	gh := github.NewClient(hc)
	if c.baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(c.baseURL, c.baseURL)
		if err != nil {
			return nil, err
		}
	}
	return gh, nil
}

// ListPullRequestsSince fetches one page of merged pull requests updated
// after the since watermark, newest first. A nil since means no watermark
// and the platform's full history is in range; the caller bounds that via
// its lookback anchor. The page number is caller-visible so a run can
// restart from any page boundary.
func (c *Client) ListPullRequestsSince(ctx context.Context, ref RepoRef, since *time.Time, token string, page int) (*Page, error) {
	gh, err := c.api(ctx, token)
	if err != nil {
		return nil, err
	}

	opts := &github.PullRequestListOptions{
		State:     "closed",
		Sort:      "updated",
		Direction: "desc",
		ListOptions: github.ListOptions{
			PerPage: perPage,
			Page:    page,
		},
	}

	var prs []*github.PullRequest
	var resp *github.Response
	err = c.withRetry(ctx, func() error {
		var callErr error
		prs, resp, callErr = gh.PullRequests.List(ctx, ref.Owner, ref.Name, opts)
		return mapError(callErr, resp)
	})
	if err != nil {
		return nil, err
	}

	result := &Page{}
	exhausted := false
	for _, pr := range prs {
		if since != nil && pr.GetUpdatedAt().Time.Before(*since) {
			// Sorted by updated desc: everything after this is older.
			exhausted = true
			break
		}
		if pr.MergedAt == nil {
			continue
		}

		artifact := toInternalArtifact(pr)
		patch, patchErr := c.fetchPatch(ctx, gh, ref, pr.GetNumber())
		if patchErr != nil {
			// A missing diff is not fatal to the artifact; the sieve treats
			// an empty patch as a weak signal.
			c.logger.Warn("Failed to fetch PR diff", "owner", ref.Owner, "repo", ref.Name, "number", pr.GetNumber(), "error", patchErr)
		} else {
			artifact.Patch = patch
		}
		result.Artifacts = append(result.Artifacts, artifact)
	}

	if !exhausted && resp != nil && resp.NextPage != 0 {
		result.NextPage = resp.NextPage
	}
	return result, nil
}

// LatestCommitSince returns the newest commit timestamp after since, plus the
// number of commits seen on the first page. Used only to advance the commit
// sub-cursor; commits themselves are not persisted.
func (c *Client) LatestCommitSince(ctx context.Context, ref RepoRef, since *time.Time, token string) (*time.Time, int, error) {
	gh, err := c.api(ctx, token)
	if err != nil {
		return nil, 0, err
	}

	opts := &github.CommitsListOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	if since != nil {
		opts.Since = *since
	}

	var commits []*github.RepositoryCommit
	err = c.withRetry(ctx, func() error {
		var resp *github.Response
		var callErr error
		commits, resp, callErr = gh.Repositories.ListCommits(ctx, ref.Owner, ref.Name, opts)
		return mapError(callErr, resp)
	})
	if err != nil {
		return nil, 0, err
	}

	var latest *time.Time
	for _, commit := range commits {
		d := commit.GetCommit().GetAuthor().GetDate().Time
		if latest == nil || d.After(*latest) {
			t := d
			latest = &t
		}
	}
	return latest, len(commits), nil
}

// fetchPatch retrieves the unified diff for one pull request, truncated to
// the configured byte bound.
func (c *Client) fetchPatch(ctx context.Context, gh *github.Client, ref RepoRef, number int) (string, error) {
	var patch string
	err := c.withRetry(ctx, func() error {
		raw, resp, callErr := gh.PullRequests.GetRaw(ctx, ref.Owner, ref.Name, number, github.RawOptions{Type: github.Diff})
		if callErr != nil {
			return mapError(callErr, resp)
		}
		patch = raw
		return nil
	})
	if err != nil {
		return "", err
	}
	if c.maxPatchBytes > 0 && len(patch) > c.maxPatchBytes {
		patch = patch[:c.maxPatchBytes]
	}
	return patch, nil
}

// withRetry retries transient transport failures a small bounded number of
// times with exponential backoff. Everything else is permanent: rate limits
// must surface with their hint, auth and access failures must not be retried.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, apperrors.ErrServiceUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries-1), ctx)
	return backoff.Retry(wrapped, policy)
}

// mapError translates go-github failures into the pipeline error taxonomy.
func mapError(err error, resp *github.Response) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &apperrors.RateLimitedError{RetryAfter: time.Until(rateErr.Rate.Reset.Time)}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		retryAfter := time.Minute
		if abuseErr.RetryAfter != nil {
			retryAfter = *abuseErr.RetryAfter
		}
		return &apperrors.RateLimitedError{RetryAfter: retryAfter}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch {
		case ghErr.Response.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", apperrors.ErrAuthInvalid, ghErr.Message)
		case ghErr.Response.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s", apperrors.ErrForbidden, ghErr.Message)
		case ghErr.Response.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", apperrors.ErrNotFound, ghErr.Message)
		case ghErr.Response.StatusCode >= 500:
			return fmt.Errorf("%w: platform returned %d", apperrors.ErrServiceUnavailable, ghErr.Response.StatusCode)
		}
		return err
	}

	if resp != nil && resp.StatusCode >= 500 {
		return fmt.Errorf("%w: platform returned %d", apperrors.ErrServiceUnavailable, resp.StatusCode)
	}

	// DNS failures, timeouts, connection resets.
	return fmt.Errorf("%w: %v", apperrors.ErrServiceUnavailable, err)
}

// toInternalArtifact translates a github.PullRequest to our internal model.
func toInternalArtifact(pr *github.PullRequest) model.Artifact {
	var mergedAt *time.Time
	if pr.MergedAt != nil {
		t := pr.MergedAt.Time
		mergedAt = &t
	}
	return model.Artifact{
		PlatformID: pr.GetID(),
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		Author:     pr.GetUser().GetLogin(),
		MergedAt:   mergedAt,
		Kind:       "pull_request",
		UpdatedAt:  pr.GetUpdatedAt().Time,
	}
}
