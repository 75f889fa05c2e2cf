package mcp

import (
	"fmt"
	"strings"

	"pkt.systems/docmcp"
)

// buildToolDescriptions returns the description for every registered tool.
// registerTools panics on a missing entry, so registration and description
// coverage cannot drift apart silently.
func buildToolDescriptions(cfg docmcp.Config) map[string]string {
	batch := cfg.MaxBlockBatch
	if batch <= 0 {
		batch = docmcp.DefaultMaxBlockBatch
	}
	return map[string]string{
		toolDocCreate: "Create a new rich-text document. Optionally place it in a drive " +
			"folder via folder_token and set an initial title. Returns the document_id " +
			"used by every other doc_* tool.",
		toolDocBlocksGet: "List every block of a document, following vendor pagination " +
			"to the end. Returns the raw vendor block objects; block_id and block_type " +
			"identify each block for updates and deletes.",
		toolDocBlocksInsert: fmt.Sprintf("Insert a sequence of blocks under a parent block at a child "+
			"index. Accepted kinds: text, heading (level 1-9), bullet, ordered, code, "+
			"quote, todo, divider, image. Large inputs are split into sequential "+
			"batches of at most %d blocks; on a mid-run failure the error reports how "+
			"many blocks landed and the resume_index to continue from.", batch),
		toolDocBlockUpdate: "Replace the text content of one existing text-bearing block " +
			"(text, heading, bullet, ordered, code, quote, todo).",
		toolDocBlocksDelete: "Delete the children of a parent block in the half-open index " +
			"range [start_index, end_index).",
		toolFolderCreate: "Create a drive folder, optionally under a parent folder token. " +
			"Returns the folder token for doc_create.",
		toolImageUpload: "Upload an image (base64) into a document: creates an image block " +
			"at the given index, uploads the bytes as document media, and binds them to " +
			"the block. Returns the image block_id and the media file_token.",
		toolAuthStatus: "Report credential health: whether a tenant token can be obtained " +
			"and, in user auth mode, whether a user is authorized. When authorization is " +
			"missing the response carries the authorize URL to visit.",
	}
}

func serverInstructions(cfg docmcp.Config) string {
	var b strings.Builder
	b.WriteString("docmcp exposes a cloud-documents vendor as MCP tools. ")
	b.WriteString("Start with doc_create (or an existing document_id), then doc_blocks_insert to add content. ")
	b.WriteString("Use doc_blocks_get to discover block IDs before doc_block_update or doc_blocks_delete. ")
	if cfg.AuthMode == docmcp.AuthModeUser {
		b.WriteString("This server runs in user auth mode: if a tool fails with error_code " +
			"authorization_required, direct the user to the authorize_url, then retry. " +
			"auth_status reports the current authorization state. ")
	}
	b.WriteString("Insert errors with error_code partial_failure include inserted and resume_index; ")
	b.WriteString("rerun doc_blocks_insert with the remaining blocks at index resume_index.")
	return b.String()
}
