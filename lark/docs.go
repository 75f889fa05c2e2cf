package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	docxDocumentsPath = "/open-apis/docx/v1/documents"
	driveFolderPath   = "/open-apis/drive/v1/files/create_folder"
	driveUploadPath   = "/open-apis/drive/v1/medias/upload_all"

	// The docx write endpoints take a document revision; -1 always means
	// "current revision" and sidesteps optimistic-concurrency rejections.
	currentRevision = "-1"

	listPageSize = 500
)

// DocumentInfo identifies a created document.
type DocumentInfo struct {
	DocumentID string `json:"document_id"`
	RevisionID int64  `json:"revision_id"`
	Title      string `json:"title"`
}

// Block is one document block as returned by the vendor. Raw carries the
// complete vendor object; the typed fields cover what the tools need for
// navigation.
type Block struct {
	BlockID   string   `json:"block_id"`
	BlockType int      `json:"block_type"`
	ParentID  string   `json:"parent_id"`
	Children  []string `json:"children"`
	Raw       json.RawMessage
}

// UnmarshalJSON keeps the full vendor payload alongside the typed fields.
func (b *Block) UnmarshalJSON(data []byte) error {
	type alias Block
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*b = Block(decoded)
	b.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the original vendor payload when present.
func (b Block) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	type alias Block
	return json.Marshal(alias(b))
}

// CreateDocument creates an empty document, optionally inside a folder.
func (g *Gateway) CreateDocument(ctx context.Context, folderToken, title string) (*DocumentInfo, error) {
	body := map[string]string{}
	if strings.TrimSpace(folderToken) != "" {
		body["folder_token"] = folderToken
	}
	if strings.TrimSpace(title) != "" {
		body["title"] = title
	}
	data, err := g.Call(ctx, http.MethodPost, docxDocumentsPath, nil, body)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Document DocumentInfo `json:"document"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode create document response: %w", err)
	}
	if payload.Document.DocumentID == "" {
		return nil, fmt.Errorf("create document: empty document_id in response")
	}
	g.logger.Info("lark.doc.created", "document_id", payload.Document.DocumentID)
	return &payload.Document, nil
}

// ListBlocks fetches every block of a document, following the page token
// until the vendor reports no more pages.
func (g *Gateway) ListBlocks(ctx context.Context, documentID string) ([]Block, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, fmt.Errorf("document id required")
	}
	path := docxDocumentsPath + "/" + url.PathEscape(documentID) + "/blocks"
	var blocks []Block
	pageToken := ""
	for {
		query := url.Values{"page_size": {strconv.Itoa(listPageSize)}}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}
		data, err := g.Call(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Items     []Block `json:"items"`
			PageToken string  `json:"page_token"`
			HasMore   bool    `json:"has_more"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode block page: %w", err)
		}
		blocks = append(blocks, page.Items...)
		if !page.HasMore || page.PageToken == "" {
			return blocks, nil
		}
		pageToken = page.PageToken
	}
}

// InsertChildren inserts wire-format child blocks under a parent block at
// the given index and returns the created blocks. Callers are responsible
// for the vendor's per-call batch limit; use blocks.InsertAll for bulk
// inserts.
func (g *Gateway) InsertChildren(ctx context.Context, documentID, parentID string, children []json.RawMessage, index int) ([]Block, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, fmt.Errorf("document id required")
	}
	if strings.TrimSpace(parentID) == "" {
		parentID = documentID
	}
	path := docxDocumentsPath + "/" + url.PathEscape(documentID) + "/blocks/" + url.PathEscape(parentID) + "/children"
	query := url.Values{"document_revision_id": {currentRevision}}
	body := map[string]any{
		"children": children,
		"index":    index,
	}
	data, err := g.Call(ctx, http.MethodPost, path, query, body)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Children []Block `json:"children"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode insert children response: %w", err)
	}
	return payload.Children, nil
}

// UpdateBlock patches one block with a vendor-format update payload.
func (g *Gateway) UpdateBlock(ctx context.Context, documentID, blockID string, update any) error {
	if strings.TrimSpace(documentID) == "" || strings.TrimSpace(blockID) == "" {
		return fmt.Errorf("document id and block id required")
	}
	path := docxDocumentsPath + "/" + url.PathEscape(documentID) + "/blocks/" + url.PathEscape(blockID)
	query := url.Values{"document_revision_id": {currentRevision}}
	_, err := g.Call(ctx, http.MethodPatch, path, query, update)
	return err
}

// UpdateTextBlock replaces the text elements of a text-bearing block.
func (g *Gateway) UpdateTextBlock(ctx context.Context, documentID, blockID string, elements []json.RawMessage) error {
	update := map[string]any{
		"update_text_elements": map[string]any{
			"elements": elements,
		},
	}
	return g.UpdateBlock(ctx, documentID, blockID, update)
}

// DeleteChildren removes the children of a parent block in the half-open
// index range [startIndex, endIndex).
func (g *Gateway) DeleteChildren(ctx context.Context, documentID, parentID string, startIndex, endIndex int) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("document id required")
	}
	if strings.TrimSpace(parentID) == "" {
		parentID = documentID
	}
	if startIndex < 0 || endIndex <= startIndex {
		return fmt.Errorf("invalid delete range [%d, %d)", startIndex, endIndex)
	}
	path := docxDocumentsPath + "/" + url.PathEscape(documentID) + "/blocks/" + url.PathEscape(parentID) + "/children/batch_delete"
	query := url.Values{"document_revision_id": {currentRevision}}
	body := map[string]int{
		"start_index": startIndex,
		"end_index":   endIndex,
	}
	_, err := g.Call(ctx, http.MethodDelete, path, query, body)
	return err
}

// FolderInfo identifies a created drive folder.
type FolderInfo struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// CreateFolder creates a drive folder under the given parent folder token.
func (g *Gateway) CreateFolder(ctx context.Context, name, parentToken string) (*FolderInfo, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("folder name required")
	}
	body := map[string]string{
		"name":         name,
		"folder_token": parentToken,
	}
	data, err := g.Call(ctx, http.MethodPost, driveFolderPath, nil, body)
	if err != nil {
		return nil, err
	}
	var payload FolderInfo
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode create folder response: %w", err)
	}
	if payload.Token == "" {
		return nil, fmt.Errorf("create folder: empty token in response")
	}
	return &payload, nil
}

// UploadImageMedia uploads image bytes as docx image media bound to the
// given image block and returns the resulting file token.
func (g *Gateway) UploadImageMedia(ctx context.Context, blockID, filename string, content []byte) (string, error) {
	if strings.TrimSpace(blockID) == "" {
		return "", fmt.Errorf("image block id required")
	}
	if strings.TrimSpace(filename) == "" {
		filename = "image"
	}
	fields := map[string]string{
		"file_name":   filename,
		"parent_type": "docx_image",
		"parent_node": blockID,
		"size":        strconv.Itoa(len(content)),
	}
	data, err := g.Upload(ctx, driveUploadPath, fields, "file", filename, content)
	if err != nil {
		return "", err
	}
	var payload struct {
		FileToken string `json:"file_token"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if payload.FileToken == "" {
		return "", fmt.Errorf("upload image: empty file_token in response")
	}
	return payload.FileToken, nil
}

// BindImageBlock patches an image block so it renders the uploaded media.
func (g *Gateway) BindImageBlock(ctx context.Context, documentID, blockID, fileToken string) error {
	if strings.TrimSpace(fileToken) == "" {
		return fmt.Errorf("file token required")
	}
	update := map[string]any{
		"replace_image": map[string]string{
			"token": fileToken,
		},
	}
	return g.UpdateBlock(ctx, documentID, blockID, update)
}
