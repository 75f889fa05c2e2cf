package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/docmcp/blocks"
)

const (
	toolDocCreate       = "doc_create"
	toolDocBlocksGet    = "doc_blocks_get"
	toolDocBlocksInsert = "doc_blocks_insert"
	toolDocBlockUpdate  = "doc_block_update"
	toolDocBlocksDelete = "doc_blocks_delete"
	toolFolderCreate    = "folder_create"
	toolImageUpload     = "image_upload"
	toolAuthStatus      = "auth_status"
)

type docCreateInput struct {
	Title       string `json:"title,omitempty" jsonschema:"Document title"`
	FolderToken string `json:"folder_token,omitempty" jsonschema:"Drive folder to create the document in (vendor root when empty)"`
}

type docCreateOutput struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title,omitempty"`
}

func (s *server) handleDocCreateTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input docCreateInput) (*mcpsdk.CallToolResult, docCreateOutput, error) {
	doc, err := s.gateway.CreateDocument(ctx, input.FolderToken, input.Title)
	if err != nil {
		return nil, docCreateOutput{}, err
	}
	return nil, docCreateOutput{DocumentID: doc.DocumentID, Title: doc.Title}, nil
}

type docBlocksGetInput struct {
	DocumentID string `json:"document_id" jsonschema:"Document to read"`
}

type docBlocksGetOutput struct {
	DocumentID string            `json:"document_id"`
	Count      int               `json:"count"`
	Blocks     []json.RawMessage `json:"blocks"`
}

func (s *server) handleDocBlocksGetTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input docBlocksGetInput) (*mcpsdk.CallToolResult, docBlocksGetOutput, error) {
	documentID := strings.TrimSpace(input.DocumentID)
	if documentID == "" {
		return nil, docBlocksGetOutput{}, fmt.Errorf("document_id is required")
	}
	listed, err := s.gateway.ListBlocks(ctx, documentID)
	if err != nil {
		return nil, docBlocksGetOutput{}, err
	}
	out := docBlocksGetOutput{
		DocumentID: documentID,
		Count:      len(listed),
		Blocks:     make([]json.RawMessage, 0, len(listed)),
	}
	for _, block := range listed {
		out.Blocks = append(out.Blocks, block.Raw)
	}
	return nil, out, nil
}

type docBlocksInsertInput struct {
	DocumentID    string            `json:"document_id" jsonschema:"Document to insert into"`
	ParentBlockID string            `json:"parent_block_id,omitempty" jsonschema:"Parent block (document root when empty)"`
	Index         int               `json:"index,omitempty" jsonschema:"Child index to insert at (0 prepends)"`
	Blocks        []json.RawMessage `json:"blocks" jsonschema:"Block specs: kind (text|heading|bullet|ordered|code|quote|todo|divider|image) plus per-kind fields"`
}

type docBlocksInsertOutput struct {
	Inserted  int      `json:"inserted"`
	NextIndex int      `json:"next_index"`
	Batches   int      `json:"batches"`
	BlockIDs  []string `json:"block_ids,omitempty"`
}

func (s *server) handleDocBlocksInsertTool(ctx context.Context, req *mcpsdk.CallToolRequest, input docBlocksInsertInput) (*mcpsdk.CallToolResult, docBlocksInsertOutput, error) {
	documentID := strings.TrimSpace(input.DocumentID)
	if documentID == "" {
		return nil, docBlocksInsertOutput{}, fmt.Errorf("document_id is required")
	}
	if input.Index < 0 {
		return nil, docBlocksInsertOutput{}, fmt.Errorf("index must be >= 0")
	}
	specs, err := blocks.ParseSpecs(input.Blocks)
	if err != nil {
		return nil, docBlocksInsertOutput{}, err
	}

	result, err := blocks.InsertAll(ctx, s.gateway, blocks.InsertRequest{
		DocumentID:   documentID,
		ParentID:     strings.TrimSpace(input.ParentBlockID),
		Specs:        specs,
		StartIndex:   input.Index,
		MaxBatchSize: s.cfg.MaxBlockBatch,
		OnBatch: func(batch, batches, inserted int) {
			if s.telemetry != nil {
				s.telemetry.BatchesDispatched.Inc()
			}
			s.notifyBatchProgress(ctx, req, documentID, batch, batches, inserted)
		},
	})
	if err != nil {
		return nil, docBlocksInsertOutput{}, err
	}
	if s.telemetry != nil {
		s.telemetry.BlocksInserted.Add(float64(result.Inserted))
	}

	out := docBlocksInsertOutput{
		Inserted:  result.Inserted,
		NextIndex: result.NextIndex,
		Batches:   result.Batches,
	}
	for _, block := range result.Created {
		if block.BlockID != "" {
			out.BlockIDs = append(out.BlockIDs, block.BlockID)
		}
	}
	s.toolLog.Info("mcp.tool.doc_blocks_insert",
		"document_id", documentID,
		"inserted", result.Inserted,
		"batches", result.Batches,
	)
	return nil, out, nil
}

// notifyBatchProgress streams per-batch progress to the calling session so
// long inserts are observable before the final result lands.
func (s *server) notifyBatchProgress(ctx context.Context, req *mcpsdk.CallToolRequest, documentID string, batch, batches, inserted int) {
	if req == nil || req.Session == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := req.Session.NotifyProgress(notifyCtx, &mcpsdk.ProgressNotificationParams{
		ProgressToken: fmt.Sprintf("docmcp.insert/%s", documentID),
		Progress:      float64(batch),
		Total:         float64(batches),
		Message:       fmt.Sprintf("batch %d/%d inserted (%d blocks so far)", batch, batches, inserted),
	})
	if err != nil {
		s.toolLog.Debug("mcp.tool.progress_notify_failed", "document_id", documentID, "error", err)
	}
}

type docBlockUpdateInput struct {
	DocumentID string `json:"document_id" jsonschema:"Document containing the block"`
	BlockID    string `json:"block_id" jsonschema:"Block to update"`
	Text       string `json:"text" jsonschema:"Replacement text content"`
}

type docBlockUpdateOutput struct {
	DocumentID string `json:"document_id"`
	BlockID    string `json:"block_id"`
	Updated    bool   `json:"updated"`
}

func (s *server) handleDocBlockUpdateTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input docBlockUpdateInput) (*mcpsdk.CallToolResult, docBlockUpdateOutput, error) {
	documentID := strings.TrimSpace(input.DocumentID)
	blockID := strings.TrimSpace(input.BlockID)
	if documentID == "" || blockID == "" {
		return nil, docBlockUpdateOutput{}, fmt.Errorf("document_id and block_id are required")
	}
	elements, err := blocks.TextElements(input.Text)
	if err != nil {
		return nil, docBlockUpdateOutput{}, err
	}
	if err := s.gateway.UpdateTextBlock(ctx, documentID, blockID, elements); err != nil {
		return nil, docBlockUpdateOutput{}, err
	}
	return nil, docBlockUpdateOutput{DocumentID: documentID, BlockID: blockID, Updated: true}, nil
}

type docBlocksDeleteInput struct {
	DocumentID    string `json:"document_id" jsonschema:"Document to delete from"`
	ParentBlockID string `json:"parent_block_id,omitempty" jsonschema:"Parent block (document root when empty)"`
	StartIndex    int    `json:"start_index" jsonschema:"First child index to delete (inclusive)"`
	EndIndex      int    `json:"end_index" jsonschema:"Child index to stop at (exclusive)"`
}

type docBlocksDeleteOutput struct {
	DocumentID string `json:"document_id"`
	Deleted    int    `json:"deleted"`
}

func (s *server) handleDocBlocksDeleteTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input docBlocksDeleteInput) (*mcpsdk.CallToolResult, docBlocksDeleteOutput, error) {
	documentID := strings.TrimSpace(input.DocumentID)
	if documentID == "" {
		return nil, docBlocksDeleteOutput{}, fmt.Errorf("document_id is required")
	}
	if err := s.gateway.DeleteChildren(ctx, documentID, strings.TrimSpace(input.ParentBlockID), input.StartIndex, input.EndIndex); err != nil {
		return nil, docBlocksDeleteOutput{}, err
	}
	return nil, docBlocksDeleteOutput{
		DocumentID: documentID,
		Deleted:    input.EndIndex - input.StartIndex,
	}, nil
}
