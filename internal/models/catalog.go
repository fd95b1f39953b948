// Package models lists the models offered to the browser: the configured
// allow-list merged with whatever the iFlow API reports.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// DefaultBaseURL is used when the settings file names no baseUrl.
const DefaultBaseURL = "https://apis.iflow.cn/v1"

var errNoAPIKey = errors.New("no API key in settings")

// List is the body of GET /api/models.
type List struct {
	DefaultModel    string   `json:"default_model"`
	AvailableModels []string `json:"available_models"`
}

// Options configures a Catalog.
type Options struct {
	DefaultModel    string
	AvailableModels []string
	// SettingsPath is the iFlow CLI settings file holding apiKey and baseUrl.
	SettingsPath string
	Fs           afero.Fs
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// Catalog fetches the model list.
type Catalog struct {
	opts   Options
	logger zerolog.Logger
}

// NewCatalog creates a Catalog.
func NewCatalog(opts Options) *Catalog {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Catalog{opts: opts, logger: opts.Logger}
}

// Configured returns the configured list without contacting the API.
func (c *Catalog) Configured() List {
	return List{
		DefaultModel:    c.opts.DefaultModel,
		AvailableModels: append([]string(nil), c.opts.AvailableModels...),
	}
}

// Fetch returns the configured models followed by the remote ones, without
// duplicates. Any failure falls back to the configured list.
func (c *Catalog) Fetch(ctx context.Context) List {
	s, err := c.readSettings()
	if err != nil {
		if errors.Is(err, errNoAPIKey) {
			c.logger.Warn().Msg("no API key found in settings, using configured models")
		} else {
			c.logger.Error().Err(err).Msg("failed to read iFlow settings, using configured models")
		}
		return c.Configured()
	}

	c.logger.Info().Str("api_key", MaskSecret(s.APIKey)).Msg("fetching models from API")

	remote, err := c.fetchRemote(ctx, s)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to fetch models from API, using configured models")
		return c.Configured()
	}

	models := merge(c.opts.AvailableModels, remote)
	list := List{DefaultModel: c.opts.DefaultModel, AvailableModels: models}
	if !slices.Contains(models, list.DefaultModel) && len(models) > 0 {
		list.DefaultModel = models[0]
	}

	c.logger.Info().Int("remote", len(remote)).Int("total", len(models)).Msg("fetched models from API")
	return list
}

type settings struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl"`
}

func (c *Catalog) readSettings() (settings, error) {
	var s settings
	if c.opts.SettingsPath == "" {
		return s, errNoAPIKey
	}

	exists, err := afero.Exists(c.opts.Fs, c.opts.SettingsPath)
	if err != nil {
		return s, err
	}
	if !exists {
		return s, errNoAPIKey
	}

	data, err := afero.ReadFile(c.opts.Fs, c.opts.SettingsPath)
	if err != nil {
		return s, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings: %w", err)
	}
	if s.APIKey == "" {
		return s, errNoAPIKey
	}
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	return s, nil
}

func (c *Catalog) fetchRemote(ctx context.Context, s settings) ([]string, error) {
	url := strings.TrimSuffix(s.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	ids := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func merge(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, m := range list {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
