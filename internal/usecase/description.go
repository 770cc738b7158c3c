package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/domain"
)

// DescriptionService generates a seller-facing product description from a
// single image.
type DescriptionService struct {
	Fetcher  domain.ImageFetcher
	Analyzer domain.Analyzer
}

// NewDescriptionService constructs a DescriptionService.
func NewDescriptionService(fetcher domain.ImageFetcher, analyzer domain.Analyzer) *DescriptionService {
	return &DescriptionService{Fetcher: fetcher, Analyzer: analyzer}
}

// Describe fetches the image at the description profile and asks the model
// for one paragraph of sales copy.
func (s *DescriptionService) Describe(ctx context.Context, imageRef, productName string) (string, error) {
	img, err := s.Fetcher.FetchPayload(ctx, imageRef, domain.ProfileDescription)
	if err != nil {
		return "", fmt.Errorf("op=description.Describe: %w", err)
	}
	text, err := s.Analyzer.DescribeImage(ctx, img, productName)
	if err != nil {
		return "", fmt.Errorf("op=description.Describe: %w", err)
	}
	observability.LoggerFromContext(ctx).Info("description generated",
		slog.String("ref", imageRef), slog.Int("length", len(text)))
	return text, nil
}
