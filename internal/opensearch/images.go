package opensearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ImageSource is the stored form of one image document.
type ImageSource struct {
	DocID         int64    `json:"doc_id"`
	ImageID       int64    `json:"image_id"`
	UserID        int64    `json:"user_id"`
	SpaceID       *int64   `json:"space_id"`
	FilePath      string   `json:"file_path"`
	ThumbnailPath string   `json:"thumbnail_path"`
	Caption       string   `json:"caption"`
	OCRText       string   `json:"ocr_text,omitempty"`
	Tags          []string `json:"tags"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	CreatedAt     string   `json:"created_at,omitempty"`
}

// ImageHit is one scored image result.
type ImageHit struct {
	ID     string      `json:"_id"`
	Score  float64     `json:"_score"`
	Source ImageSource `json:"_source"`
}

type imageSearchResponse struct {
	Hits struct {
		Hits []ImageHit `json:"hits"`
	} `json:"hits"`
}

// ImageDoc is an image asset headed for the index.
type ImageDoc struct {
	Source  ImageSource
	Vector  []float32
	Refresh bool
}

// IndexImageAsset writes one image document under the deterministic ID
// "{doc_id}:{image_id}".
func (c *Client) IndexImageAsset(ctx context.Context, doc ImageDoc) error {
	if err := c.EnsureIndexes(ctx, false); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"doc_id":         doc.Source.DocID,
		"image_id":       doc.Source.ImageID,
		"user_id":        doc.Source.UserID,
		"space_id":       doc.Source.SpaceID,
		"file_path":      doc.Source.FilePath,
		"thumbnail_path": doc.Source.ThumbnailPath,
		"caption":        doc.Source.Caption,
		"ocr_text":       doc.Source.OCRText,
		"tags":           doc.Source.Tags,
		"width":          doc.Source.Width,
		"height":         doc.Source.Height,
	}
	if doc.Source.CreatedAt != "" {
		payload["created_at"] = doc.Source.CreatedAt
	}
	if len(doc.Vector) > 0 {
		payload["vector"] = doc.Vector
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal image doc: %w", err)
	}

	id := fmt.Sprintf("%d:%d", doc.Source.DocID, doc.Source.ImageID)
	path := "/" + url.PathEscape(c.cfg.ImageIndex) + "/_doc/" + url.PathEscape(id)
	if doc.Refresh {
		path += "?refresh=true"
	}
	if err := c.do(ctx, http.MethodPut, path, data, "application/json", nil); err != nil {
		return fmt.Errorf("index image asset: %w", err)
	}
	return nil
}

// ImageQuery searches image documents by vector, text, or both.
type ImageQuery struct {
	Vector  []float32
	Text    string
	TopK    int
	UserID  *int64
	SpaceID *int64
	Tags    []string
}

// imageFilters extends the tenant filters with a tags match.
func imageFilters(q ImageQuery) []interface{} {
	filters := termFilters(q.UserID, q.SpaceID)
	if len(q.Tags) > 0 {
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{"tags": q.Tags},
		})
	}
	return filters
}

// imageKNNClauses returns the dialect variants for the weighted vector
// clause, tried in order.
func (c *Client) imageKNNClauses(q ImageQuery) []map[string]interface{} {
	return []map[string]interface{}{
		{"knn": map[string]interface{}{
			"vector": map[string]interface{}{
				"vector": q.Vector,
				"k":      q.TopK,
				"boost":  c.cfg.VectorWeight,
			},
		}},
		{"knn": map[string]interface{}{
			"field":        "vector",
			"query_vector": q.Vector,
			"k":            q.TopK,
			"boost":        c.cfg.VectorWeight,
		}},
	}
}

func (c *Client) imageTextClause(text string) map[string]interface{} {
	return map[string]interface{}{
		"multi_match": map[string]interface{}{
			"query":  text,
			"fields": []string{"caption", "ocr_text"},
			"boost":  c.cfg.TextWeight,
		},
	}
}

// SearchImages combines a weighted KNN clause and a weighted text clause
// over the image index. The vector clause goes through the same dialect
// fallback as chunk search; if no dialect is accepted and text is present,
// the query degrades to text only.
func (c *Client) SearchImages(ctx context.Context, q ImageQuery) ([]ImageHit, error) {
	path := "/" + url.PathEscape(c.cfg.ImageIndex) + "/_search"
	filters := imageFilters(q)

	build := func(should []interface{}) map[string]interface{} {
		boolQuery := map[string]interface{}{}
		if len(filters) > 0 {
			boolQuery["filter"] = filters
		}
		if len(should) > 0 {
			boolQuery["should"] = should
			boolQuery["minimum_should_match"] = 1
		}
		body := map[string]interface{}{
			"size":  q.TopK,
			"query": map[string]interface{}{"bool": boolQuery},
		}
		if len(should) == 0 {
			body["sort"] = []interface{}{map[string]interface{}{"created_at": "desc"}}
		}
		return body
	}

	if len(q.Vector) == 0 {
		var should []interface{}
		if q.Text != "" {
			should = append(should, c.imageTextClause(q.Text))
		}
		var resp imageSearchResponse
		if err := c.postJSON(ctx, path, build(should), &resp); err != nil {
			return nil, fmt.Errorf("image search: %w", err)
		}
		return resp.Hits.Hits, nil
	}

	var lastErr error
	for i, knn := range c.imageKNNClauses(q) {
		should := []interface{}{knn}
		if q.Text != "" {
			should = append(should, c.imageTextClause(q.Text))
		}
		var resp imageSearchResponse
		if err := c.postJSON(ctx, path, build(should), &resp); err != nil {
			lastErr = err
			c.log.Debug().Int("variant", i).Err(err).Msg("image knn dialect rejected")
			continue
		}
		return resp.Hits.Hits, nil
	}

	if q.Text != "" {
		c.log.Warn().Err(lastErr).Msg("image knn dialects failed; falling back to text clause")
		var resp imageSearchResponse
		if err := c.postJSON(ctx, path, build([]interface{}{c.imageTextClause(q.Text)}), &resp); err != nil {
			return nil, fmt.Errorf("image text search: %w", err)
		}
		return resp.Hits.Hits, nil
	}
	return nil, fmt.Errorf("image knn search: %w", lastErr)
}
