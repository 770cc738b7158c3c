package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/domain"
)

// fetchConcurrency bounds parallel downloads per call.
const fetchConcurrency = 4

type profileParams struct {
	maxEdge int
	quality int
}

// Fetcher implements domain.ImageFetcher on top of an ObjectStore.
type Fetcher struct {
	Store domain.ObjectStore
	// ReconMaxEdge overrides the recon profile's longer-edge cap
	// (MAX_IMAGE_SIZE). Zero means the default 1600.
	ReconMaxEdge int
}

// NewFetcher constructs a Fetcher.
func NewFetcher(store domain.ObjectStore, reconMaxEdge int) *Fetcher {
	return &Fetcher{Store: store, ReconMaxEdge: reconMaxEdge}
}

func (f *Fetcher) params(profile domain.FetchProfile) profileParams {
	switch profile {
	case domain.ProfileAnalysis:
		return profileParams{maxEdge: 1200, quality: 85}
	case domain.ProfileDescription:
		return profileParams{maxEdge: 800, quality: 70}
	default:
		edge := f.ReconMaxEdge
		if edge <= 0 {
			edge = 1600
		}
		return profileParams{maxEdge: edge, quality: 95}
	}
}

// FetchPayload downloads one image and recompresses it per profile. Decode
// failures degrade to the raw bytes with a sniffed media type; only the
// download itself can fail.
func (f *Fetcher) FetchPayload(ctx context.Context, ref string, profile domain.FetchProfile) (domain.ImagePayload, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return domain.ImagePayload{}, err
	}
	raw, err := f.Store.Get(ctx, bucket, key)
	if err != nil {
		return domain.ImagePayload{}, fmt.Errorf("%w: %w", domain.ErrFetchFailed, err)
	}
	p := f.params(profile)
	optimized, err := optimizeImage(raw, p.maxEdge, p.quality)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("image optimization failed, using original",
			slog.String("ref", ref), slog.Any("error", err))
		return domain.ImagePayload{Ref: ref, Data: raw, MediaType: mimetype.Detect(raw).String()}, nil
	}
	return domain.ImagePayload{Ref: ref, Data: optimized, MediaType: "image/jpeg"}, nil
}

// FetchToDir downloads all refs into dir as image_NNNN.ext, resized for the
// recon toolchain. Filenames are numbered by input position so lexicographic
// order matches input order. All downloads run before it returns; the result
// is the success count plus the first error observed.
func (f *Fetcher) FetchToDir(ctx context.Context, refs []string, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("op=fetcher.FetchToDir: %w", err)
	}

	var (
		mu       sync.Mutex
		okCount  int
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			okCount++
		} else if firstErr == nil {
			firstErr = err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	lg := observability.LoggerFromContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			err := f.fetchOne(gctx, ref, dir, i)
			if err != nil {
				lg.Error("image download failed", slog.String("ref", ref), slog.Any("error", err))
			}
			record(err)
			return nil // collect failures instead of cancelling siblings
		})
	}
	_ = g.Wait()
	lg.Info("images downloaded", slog.Int("ok", okCount), slog.Int("total", len(refs)))
	return okCount, firstErr
}

func (f *Fetcher) fetchOne(ctx context.Context, ref, dir string, index int) error {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return err
	}
	raw, err := f.Store.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	p := f.params(domain.ProfileRecon)
	data, optErr := optimizeImage(raw, p.maxEdge, p.quality)
	name := fmt.Sprintf("image_%04d%s", index, ext(key))
	if optErr != nil {
		observability.LoggerFromContext(ctx).Warn("resize failed, keeping original",
			slog.String("file", name), slog.Any("error", optErr))
		data = raw
	}
	// #nosec G306 -- toolchain subprocesses read these
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("op=fetcher.fetchOne write %s: %w", name, err)
	}
	return nil
}
