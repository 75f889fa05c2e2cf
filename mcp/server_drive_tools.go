package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dustin/go-humanize"

	"pkt.systems/docmcp/blocks"
)

type folderCreateInput struct {
	Name        string `json:"name" jsonschema:"Folder name"`
	FolderToken string `json:"folder_token,omitempty" jsonschema:"Parent folder token (drive root when empty)"`
}

type folderCreateOutput struct {
	Token string `json:"token"`
	URL   string `json:"url,omitempty"`
}

func (s *server) handleFolderCreateTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input folderCreateInput) (*mcpsdk.CallToolResult, folderCreateOutput, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, folderCreateOutput{}, fmt.Errorf("name is required")
	}
	folder, err := s.gateway.CreateFolder(ctx, name, strings.TrimSpace(input.FolderToken))
	if err != nil {
		return nil, folderCreateOutput{}, err
	}
	return nil, folderCreateOutput{Token: folder.Token, URL: folder.URL}, nil
}

type imageUploadInput struct {
	DocumentID    string `json:"document_id" jsonschema:"Document to place the image in"`
	ParentBlockID string `json:"parent_block_id,omitempty" jsonschema:"Parent block (document root when empty)"`
	Index         int    `json:"index,omitempty" jsonschema:"Child index to insert the image block at"`
	Filename      string `json:"filename,omitempty" jsonschema:"Original file name (extension drives the media type)"`
	DataBase64    string `json:"data_base64" jsonschema:"Image bytes, standard base64"`
	Align         string `json:"align,omitempty" jsonschema:"Image alignment: left, center (default), or right"`
}

type imageUploadOutput struct {
	BlockID   string `json:"block_id"`
	FileToken string `json:"file_token"`
}

// handleImageUploadTool runs the three vendor steps behind one tool call:
// create an empty image block, upload the media bound to it, then patch
// the block so it renders the upload.
func (s *server) handleImageUploadTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input imageUploadInput) (*mcpsdk.CallToolResult, imageUploadOutput, error) {
	documentID := strings.TrimSpace(input.DocumentID)
	if documentID == "" {
		return nil, imageUploadOutput{}, fmt.Errorf("document_id is required")
	}
	if strings.TrimSpace(input.DataBase64) == "" {
		return nil, imageUploadOutput{}, fmt.Errorf("data_base64 is required")
	}
	content, err := base64.StdEncoding.DecodeString(input.DataBase64)
	if err != nil {
		return nil, imageUploadOutput{}, fmt.Errorf("decode data_base64: %w", err)
	}
	if int64(len(content)) > s.cfg.UploadMaxBytes {
		return nil, imageUploadOutput{}, fmt.Errorf("image exceeds upload limit of %s", humanize.IBytes(uint64(s.cfg.UploadMaxBytes)))
	}

	spec := blocks.Spec{Kind: blocks.KindImage, Align: strings.ToLower(strings.TrimSpace(input.Align))}
	wire, err := blocks.Build(spec)
	if err != nil {
		return nil, imageUploadOutput{}, err
	}
	created, err := s.gateway.InsertChildren(ctx, documentID, strings.TrimSpace(input.ParentBlockID), []json.RawMessage{wire}, input.Index)
	if err != nil {
		return nil, imageUploadOutput{}, err
	}
	if len(created) == 0 || created[0].BlockID == "" {
		return nil, imageUploadOutput{}, fmt.Errorf("vendor returned no block for image insert")
	}
	blockID := created[0].BlockID

	fileToken, err := s.gateway.UploadImageMedia(ctx, blockID, strings.TrimSpace(input.Filename), content)
	if err != nil {
		return nil, imageUploadOutput{}, err
	}
	if err := s.gateway.BindImageBlock(ctx, documentID, blockID, fileToken); err != nil {
		return nil, imageUploadOutput{}, err
	}

	s.toolLog.Info("mcp.tool.image_upload",
		"document_id", documentID,
		"block_id", blockID,
		"bytes", len(content),
	)
	return nil, imageUploadOutput{BlockID: blockID, FileToken: fileToken}, nil
}
