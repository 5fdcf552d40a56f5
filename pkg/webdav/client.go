// Package webdav pulls a KOReader statistics file from a WebDAV share, the
// place KOReader's cloud sync leaves it.
package webdav

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/version"
	"github.com/robinjoseph08/golib/logger"
)

const statisticsFile = "statistics.sqlite3"

const errPullFailed = "Failed to import database from WebDAV"

type PullRequest struct {
	URL      string
	Folder   string
	Username string
	Password string
}

// FilePath is the location of the statistics file inside the share.
func (r *PullRequest) FilePath() string {
	folder := strings.Trim(strings.TrimSpace(r.Folder), "/")
	if folder == "" {
		return "/" + statisticsFile
	}
	return "/" + folder + "/" + statisticsFile
}

type Client struct {
	http     *resty.Client
	maxBytes int64
	maxMB    int
}

func NewClient(timeout time.Duration, maxMB int) *Client {
	http := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", version.UserAgent()).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)

	return &Client{
		http:     http,
		maxBytes: int64(maxMB) * 1024 * 1024,
		maxMB:    maxMB,
	}
}

// Fetch streams the statistics file into a new temporary file under dir and
// returns its path. The caller owns the file. Nothing is left behind when an
// error is returned.
func (c *Client) Fetch(ctx context.Context, req *PullRequest, dir string) (string, error) {
	log := logger.FromContext(ctx)

	base := strings.TrimRight(strings.TrimSpace(req.URL), "/")
	if base == "" {
		return "", errcodes.BadRequest("Missing url")
	}
	target := base + req.FilePath()

	r := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if req.Username != "" || req.Password != "" {
		r = r.SetBasicAuth(req.Username, req.Password)
	}

	resp, err := r.Get(target)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.WithStack(ctx.Err())
		}
		log.Err(err).Warn("webdav request failed", logger.Data{"url": target})
		return "", errcodes.TransientIO(errPullFailed)
	}
	body := resp.RawBody()
	defer body.Close()

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return "", errcodes.MalformedSource("No " + statisticsFile + " found at " + req.FilePath() + ".")
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return "", errcodes.ValidationError("WebDAV server rejected the credentials.")
	case resp.StatusCode() < 200 || resp.StatusCode() >= 300:
		log.Warn("webdav returned an unexpected status", logger.Data{"url": target, "status": resp.StatusCode()})
		return "", errcodes.TransientIO(errPullFailed)
	}

	if resp.RawResponse != nil && resp.RawResponse.ContentLength > c.maxBytes {
		return "", errcodes.PayloadTooLarge(c.maxMB)
	}

	f, err := os.CreateTemp(dir, "pulled-*.sqlite3")
	if err != nil {
		log.Err(err).Error("failed to create temp file for pulled statistics")
		return "", errcodes.TransientIO(errPullFailed)
	}
	path := f.Name()

	n, err := io.Copy(f, io.LimitReader(body, c.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		if ctx.Err() != nil {
			return "", errors.WithStack(ctx.Err())
		}
		log.Err(err).Warn("failed to stream pulled statistics", logger.Data{"url": target})
		return "", errcodes.TransientIO(errPullFailed)
	}
	if n > c.maxBytes {
		_ = os.Remove(path)
		return "", errcodes.PayloadTooLarge(c.maxMB)
	}

	log.Info("pulled statistics file", logger.Data{"url": target, "bytes": n})
	return path, nil
}
