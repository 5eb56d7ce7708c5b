package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/storage"
	"github.com/loomworks/loom/store"
)

// runPayload maps original node IDs to their run-time inputs.
type runPayload map[string]payloadValue

// payloadValue is either a plain string (text content, or legacy media
// as a data URI) or a typed file-input variant.
type payloadValue struct {
	Text    string
	IsText  bool
	Variant *filePayload
}

type filePayload struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	URL      string `json:"url"`
	AssetID  string `json:"assetId"`
	MimeType string `json:"mimeType"`
}

func (v *payloadValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.Text = s
		v.IsText = true
		return nil
	}
	var fp filePayload
	if err := json.Unmarshal(data, &fp); err != nil {
		return fmt.Errorf("payload entry is neither string nor file variant: %w", err)
	}
	v.Variant = &fp
	return nil
}

// applyPayload writes run inputs onto the tree's nodes in place and
// returns the nodes it touched. Entries address nodes by their
// pre-duplication id: originalNodeId when the canvas is a clone, the
// node's own id otherwise. Text nodes receive config.content; file-type
// nodes receive an uploaded (or referenced) asset as their result.
func (s *Server) applyPayload(ctx context.Context, tree *store.CanvasTree, payload runPayload) ([]*core.Node, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	byOriginal := make(map[string]*core.Node, len(tree.Nodes))
	for _, n := range tree.Nodes {
		key := n.OriginalNodeID
		if key == "" {
			key = n.ID
		}
		byOriginal[key] = n
	}
	outHandles := make(map[string]string)
	for _, h := range tree.Handles {
		if h.Type == core.HandleOutput {
			if _, ok := outHandles[h.NodeID]; !ok {
				outHandles[h.NodeID] = h.ID
			}
		}
	}

	var touched []*core.Node
	for key, value := range payload {
		node, ok := byOriginal[key]
		if !ok {
			return nil, fmt.Errorf("payload references unknown node %q", key)
		}

		if node.Type == core.NodeTypeText {
			if !value.IsText {
				return nil, fmt.Errorf("node %q: text nodes take a plain string payload", key)
			}
			if node.Config == nil {
				node.Config = make(map[string]any)
			}
			node.Config["content"] = value.Text
			touched = append(touched, node)
			continue
		}

		ref, err := s.resolveFilePayload(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", key, err)
		}
		handleID := outHandles[node.ID]
		if handleID == "" {
			handleID = node.ID
		}
		node.Result = core.SingleOutput(core.Item{
			Type:           mimeDataType(ref.MimeType),
			Data:           ref,
			OutputHandleID: handleID,
		})
		touched = append(touched, node)
	}
	return touched, nil
}

// resolveFilePayload turns a payload entry into a FileReference,
// uploading bytes when the entry carries them inline or by URL.
func (s *Server) resolveFilePayload(ctx context.Context, value payloadValue) (*core.FileReference, error) {
	if s.storage == nil {
		return nil, fmt.Errorf("no storage service configured")
	}

	if value.IsText {
		// Legacy form: a data URI, or raw text uploaded as-is.
		if strings.HasPrefix(value.Text, "data:") {
			mimeType, data, err := storage.DecodeDataURL(value.Text)
			if err != nil {
				return nil, err
			}
			return s.storage.UploadAsset(ctx, data, mimeType, storage.UploadMeta{})
		}
		return s.storage.UploadAsset(ctx, []byte(value.Text), "text/plain", storage.UploadMeta{})
	}

	fp := value.Variant
	switch fp.Type {
	case "base64":
		if strings.HasPrefix(fp.Data, "data:") {
			mimeType, data, err := storage.DecodeDataURL(fp.Data)
			if err != nil {
				return nil, err
			}
			return s.storage.UploadAsset(ctx, data, mimeType, storage.UploadMeta{})
		}
		data, err := base64.StdEncoding.DecodeString(fp.Data)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 payload: %w", err)
		}
		mimeType := fp.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return s.storage.UploadAsset(ctx, data, mimeType, storage.UploadMeta{})
	case "url":
		return s.fetchAndUpload(ctx, fp.URL)
	case "assetId":
		asset, err := s.store.GetAsset(ctx, fp.AssetID)
		if err != nil {
			return nil, err
		}
		return &core.FileReference{
			AssetID:   asset.ID,
			Key:       asset.Key,
			Bucket:    asset.Bucket,
			MimeType:  asset.MimeType,
			Width:     asset.Width,
			Height:    asset.Height,
			DurationS: asset.DurationS,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported payload variant %q", fp.Type)
	}
}

func (s *Server) fetchAndUpload(ctx context.Context, url string) (*core.FileReference, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building payload fetch: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching payload url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching payload url: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading payload url: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return s.storage.UploadAsset(ctx, data, mimeType, storage.UploadMeta{})
}

func mimeDataType(mimeType string) core.DataType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return core.DataTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return core.DataTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return core.DataTypeAudio
	default:
		return core.DataTypeFile
	}
}
