package storage

import (
	"context"
	"fmt"
	"mime"

	"github.com/google/uuid"

	"github.com/loomworks/loom/core"
)

// DefaultBucket is where uploaded run-payload and processor assets land.
const DefaultBucket = "assets"

// AssetStore persists file-asset metadata. The SQLite store satisfies it.
type AssetStore interface {
	CreateAsset(ctx context.Context, a *core.FileAsset) error
	GetAsset(ctx context.Context, id string) (*core.FileAsset, error)
}

// ServiceConfig wires the media service.
type ServiceConfig struct {
	Blobs  BlobStore
	Assets AssetStore
	Bucket string
}

// Service uploads assets and resolves result items to media bytes or
// client-consumable data URLs. It is the engine's graph.BufferLoader.
type Service struct {
	blobs  BlobStore
	assets AssetStore
	bucket string
}

// NewService validates the wiring and returns a media service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("storage: blob store is required")
	}
	if cfg.Assets == nil {
		return nil, fmt.Errorf("storage: asset store is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	return &Service{blobs: cfg.Blobs, assets: cfg.Assets, bucket: cfg.Bucket}, nil
}

// UploadMeta carries optional dimensions for an uploaded asset.
type UploadMeta struct {
	Width     int
	Height    int
	DurationS float64
}

// UploadAsset stores bytes as a new asset and records its metadata,
// returning a FileReference suitable for embedding in a result item.
func (s *Service) UploadAsset(ctx context.Context, data []byte, mimeType string, meta UploadMeta) (*core.FileReference, error) {
	id := uuid.NewString()
	key := id + extensionFor(mimeType)

	if err := s.blobs.Put(ctx, s.bucket, key, data); err != nil {
		return nil, err
	}
	asset := &core.FileAsset{
		ID:        id,
		Key:       key,
		Bucket:    s.bucket,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		Width:     meta.Width,
		Height:    meta.Height,
		DurationS: meta.DurationS,
	}
	if err := s.assets.CreateAsset(ctx, asset); err != nil {
		return nil, err
	}
	return &core.FileReference{
		AssetID:   id,
		Key:       key,
		Bucket:    s.bucket,
		MimeType:  mimeType,
		Width:     meta.Width,
		Height:    meta.Height,
		DurationS: meta.DurationS,
	}, nil
}

// LoadMediaBuffer resolves an item's media payload to raw bytes plus
// mime type. FileReference items load from the blob store; ProcessData
// items decode their embedded data URL.
func (s *Service) LoadMediaBuffer(ctx context.Context, item core.Item) ([]byte, string, error) {
	switch data := item.Data.(type) {
	case *core.FileReference:
		return s.loadFileReference(ctx, data)
	case *core.ProcessData:
		if data.DataURL != "" {
			mimeType, payload, err := DecodeDataURL(data.DataURL)
			if err != nil {
				return nil, "", err
			}
			return payload, mimeType, nil
		}
		return nil, "", fmt.Errorf("storage: process data without data url (url=%q)", data.URL)
	case *core.MediaTree:
		return nil, "", fmt.Errorf("storage: media tree must be rendered before loading")
	default:
		return nil, "", fmt.Errorf("storage: item of type %s carries no media", item.Type)
	}
}

// ResolveDataURL turns a media-bearing item into a data URL, preferring
// an already-materialized ProcessData data URL over a blob round-trip.
func (s *Service) ResolveDataURL(ctx context.Context, item core.Item) (string, error) {
	if pd, ok := item.Data.(*core.ProcessData); ok {
		if pd.DataURL != "" {
			return pd.DataURL, nil
		}
		if pd.URL != "" {
			return pd.URL, nil
		}
	}
	data, mimeType, err := s.LoadMediaBuffer(ctx, item)
	if err != nil {
		return "", err
	}
	return EncodeDataURL(mimeType, data), nil
}

func (s *Service) loadFileReference(ctx context.Context, ref *core.FileReference) ([]byte, string, error) {
	bucket, key, mimeType := ref.Bucket, ref.Key, ref.MimeType
	if key == "" && ref.AssetID != "" {
		asset, err := s.assets.GetAsset(ctx, ref.AssetID)
		if err != nil {
			return nil, "", err
		}
		bucket, key, mimeType = asset.Bucket, asset.Key, asset.MimeType
	}
	if key == "" {
		return nil, "", fmt.Errorf("storage: file reference without key or asset id")
	}
	if bucket == "" {
		bucket = s.bucket
	}
	data, err := s.blobs.Get(ctx, bucket, key)
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	}
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
