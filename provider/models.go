package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"
)

// maxSuggestions caps the model ids offered after a 404.
const maxSuggestions = 3

func newSDK(cfg Config, hc *http.Client) openai.Client {
	return openai.NewClient(
		option.WithBaseURL(cfg.BaseURL+"/"),
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	)
}

// ListModels returns the model ids served by the endpoint, sorted.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.sdk.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// SuggestModels queries the endpoint for models resembling requested.
// Listing failures yield no suggestions.
func (c *Client) SuggestModels(ctx context.Context, requested string) []string {
	available, err := c.ListModels(ctx)
	if err != nil {
		c.log.Debug("model listing failed", zap.Error(err))
		return nil
	}
	return RankModels(requested, available)
}

// RankModels fuzzy-matches requested against available ids and returns
// the best few.
func RankModels(requested string, available []string) []string {
	if requested == "" {
		return nil
	}
	matches := fuzzy.Find(requested, available)
	out := make([]string, 0, maxSuggestions)
	for _, m := range matches {
		if m.Str == requested {
			continue
		}
		out = append(out, m.Str)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}
