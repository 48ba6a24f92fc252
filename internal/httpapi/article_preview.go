package httpapi

import (
	"context"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/issue-index/internal/clusters"
	"horse.fit/issue-index/internal/query"
)

// ArticlePreviews is implemented by *query.Service when a previewer is set.
type ArticlePreviews interface {
	GetArticlePreview(ctx context.Context, category, rawBucket string, articleIndex, maxChars int) (query.ArticlePreview, error)
}

func (s *Server) handleArticlePreview(c echo.Context) error {
	if s.previews == nil {
		return failNotFound(c, "Article preview is not enabled")
	}

	category := categoryParam(c)
	rawBucket := c.QueryParam(bucketParam)

	articleIndex, err := strconv.Atoi(strings.TrimSpace(c.Param("article_index")))
	if err != nil || articleIndex < 0 || articleIndex > clusters.MaxArticleIndex {
		return failValidation(c, map[string]string{"article_index": "must be an integer between 0 and 999"})
	}
	maxChars, err := parsePositiveInt(
		c.QueryParam("max_chars"),
		query.DefaultPreviewChars,
		query.MinPreviewChars,
		query.MaxPreviewChars,
	)
	if err != nil {
		return failValidation(c, map[string]string{"max_chars": err.Error()})
	}

	preview, err := s.previews.GetArticlePreview(c.Request().Context(), category, rawBucket, articleIndex, maxChars)
	if err != nil {
		return s.respondError(c, err, category, rawBucket, "Failed to load article preview")
	}
	if preview.Error != nil {
		s.logger.Warn().
			Str("job_category", category).
			Int("article_index", articleIndex).
			Str("source", preview.Source).
			Str("preview_error", *preview.Error).
			Msg("reader preview fallback used")
	}
	return success(c, preview)
}
