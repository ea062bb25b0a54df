package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/smaregi-labs/smaregi-mcp/internal/errors"
	"github.com/smaregi-labs/smaregi-mcp/internal/models"
	"github.com/smaregi-labs/smaregi-mcp/internal/tools"
)

const (
	// pageSize is the per-page limit requested from the API.
	pageSize = 100

	// maxPages bounds transparent pagination. A result set larger than
	// maxPages*pageSize rows does not belong in a tool response.
	maxPages = 50

	// pageDelay spaces successive page requests.
	pageDelay = 10 * time.Millisecond
)

// FetchAllPages runs a list call repeatedly, collecting pages until a
// short page signals the end. The page array is taken from the response
// root or its data field. When a later page fails after at least one
// page succeeded, the partial result is returned rather than discarded.
func (d *Dispatcher) FetchAllPages(ctx context.Context, tool tools.Tool, args map[string]any, rec *models.AccessTokenRecord) ([]byte, error) {
	pageArgs := make(map[string]any, len(args)+2)
	for k, v := range args {
		pageArgs[k] = v
	}

	var collected []json.RawMessage

	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("%w: stopped after %d pages", apperrors.ErrPageLimitExceeded, maxPages)
		}

		pageArgs["limit"] = pageSize
		pageArgs["page"] = page

		body, err := d.Execute(ctx, tool, pageArgs, rec)
		if err != nil {
			if len(collected) > 0 {
				d.logger.Warn("pagination aborted, returning partial result",
					slog.String("tool", tool.Name),
					slog.Int("pages", page-1),
					slog.Int("items", len(collected)),
					slog.String("error", err.Error()),
				)

				return mergeItems(collected)
			}

			return nil, err
		}

		items, ok := pageItems(body)
		if !ok {
			// Not a paginated shape. The first response is returned
			// untouched; anything later would be surprising.
			if page == 1 {
				return body, nil
			}

			return mergeItems(collected)
		}

		for _, item := range items {
			collected = append(collected, json.RawMessage(item.Raw))
		}

		if len(items) < pageSize {
			return mergeItems(collected)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pageDelay):
		}
	}
}

// pageItems extracts the page's row array from a response body: either
// the root is an array, or it has one under data.
func pageItems(body []byte) ([]gjson.Result, bool) {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array(), true
	}

	if data := root.Get("data"); data.Exists() && data.IsArray() {
		return data.Array(), true
	}

	return nil, false
}

// mergeItems renders collected rows as one JSON array.
func mergeItems(items []json.RawMessage) ([]byte, error) {
	if items == nil {
		items = []json.RawMessage{}
	}

	merged, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("merging pages: %w", err)
	}

	return merged, nil
}
