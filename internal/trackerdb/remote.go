package trackerdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// releaseMetadata is the subset of the release endpoint response we consume.
type releaseMetadata struct {
	TagName string         `json:"tag_name"`
	Assets  []releaseAsset `json:"assets"`
}

type releaseAsset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
}

// assetPreference orders attached files: a direct data file beats an archive.
var assetPreference = []string{".json", ".zip"}

// loadRemote queries the release endpoint, downloads the preferred asset,
// and on success overwrites the cache file so the next run starts fresh.
func (p *Provider) loadRemote(ctx context.Context) (*Snapshot, error) {
	if p.cfg.ReleaseURL == "" {
		return nil, fmt.Errorf("no release endpoint configured")
	}

	release, err := p.fetchReleaseMetadata(ctx)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("trackerdb release found", zap.String("tag", release.TagName))

	for _, extension := range assetPreference {
		for _, asset := range release.Assets {
			if !strings.HasSuffix(strings.ToLower(asset.Name), extension) {
				continue
			}
			data, err := p.downloadAsset(ctx, asset)
			if err != nil {
				p.logger.Debug("asset download failed",
					zap.String("asset", asset.Name),
					zap.Error(err),
				)
				continue
			}
			if extension == ".zip" {
				data, err = extractDatabaseJSON(data)
				if err != nil {
					p.logger.Debug("asset archive unusable",
						zap.String("asset", asset.Name),
						zap.Error(err),
					)
					continue
				}
			}
			snap, err := parseSnapshot(data, SourceRemote, p.clock.Now())
			if err != nil {
				p.logger.Debug("asset parse failed",
					zap.String("asset", asset.Name),
					zap.Error(err),
				)
				continue
			}
			p.writeCache(data)
			return snap, nil
		}
	}
	return nil, fmt.Errorf("release %q has no usable asset", release.TagName)
}

func (p *Provider) fetchReleaseMetadata(ctx context.Context) (*releaseMetadata, error) {
	body, err := p.get(ctx, p.cfg.ReleaseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch release metadata: %w", err)
	}
	var release releaseMetadata
	if err := json.Unmarshal(body, &release); err != nil {
		return nil, fmt.Errorf("decode release metadata: %w", err)
	}
	return &release, nil
}

// downloadAsset retries transient failures with exponential backoff before
// giving up and letting the chain fall through to the cache tiers.
func (p *Provider) downloadAsset(ctx context.Context, asset releaseAsset) ([]byte, error) {
	var data []byte
	operation := func() error {
		body, err := p.get(ctx, asset.DownloadURL)
		if err != nil {
			return err
		}
		data = body
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.cfg.DownloadRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("download %s: %w", asset.Name, err)
	}
	return data, nil
}

func (p *Provider) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// writeCache is best effort; a failed cache write must not fail the load.
func (p *Provider) writeCache(data []byte) {
	if p.cfg.CachePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.cfg.CachePath), 0o750); err != nil {
		p.logger.Warn("create cache directory failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(p.cfg.CachePath, data, 0o640); err != nil {
		p.logger.Warn("write trackerdb cache failed", zap.Error(err))
		return
	}
	p.logger.Info("trackerdb cached",
		zap.String("path", p.cfg.CachePath),
		zap.Duration("fresh_for", p.cfg.CacheFreshFor),
	)
}
