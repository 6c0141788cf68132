package redo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/funbringer/zenith/internal/wal"
	"github.com/funbringer/zenith/pkg/types"
)

// OracleReplayer delegates replay to a process-isolated oracle: a sandboxed
// instance of the source database's own redo routines, reached over HTTP.
// The caller's context bounds the call; a missed deadline surfaces as
// ErrRedoTimeout in the engine.
type OracleReplayer struct {
	endpoint string
	client   *http.Client
}

// NewOracleReplayer creates a replayer for the oracle at endpoint.
func NewOracleReplayer(endpoint string) *OracleReplayer {
	return &OracleReplayer{
		endpoint: endpoint,
		client: &http.Client{
			// Per-call deadlines come from the context; this is a hard cap
			// against an oracle that stops responding mid-body.
			Timeout: 30 * time.Second,
		},
	}
}

type applyRequest struct {
	LSN     uint64 `json:"lsn"`
	Rmgr    uint8  `json:"rmgr"`
	Flags   uint8  `json:"flags"`
	RelID   uint32 `json:"rel_id"`
	Fork    uint8  `json:"fork"`
	BlockNo uint32 `json:"block_no"`
	Image   string `json:"image,omitempty"` // Base64 encoded
	Payload string `json:"payload"`         // Base64 encoded
}

type applyResponse struct {
	Status string `json:"status"`
	Image  string `json:"image,omitempty"` // Base64 encoded
	Error  string `json:"error,omitempty"`
}

// Apply ships (image, record) to the oracle and returns the replayed image.
func (o *OracleReplayer) Apply(ctx context.Context, image []byte, rec *wal.Record) ([]byte, error) {
	reqBody := applyRequest{
		LSN:     uint64(rec.LSN),
		Rmgr:    rec.Rmgr,
		Flags:   rec.Flags,
		RelID:   rec.Pages[0].RelID,
		Fork:    uint8(rec.Pages[0].Fork),
		BlockNo: rec.Pages[0].BlockNo,
		Image:   base64.StdEncoding.EncodeToString(image),
		Payload: base64.StdEncoding.EncodeToString(rec.Payload),
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal oracle request: %v: %w", err, types.ErrRedo)
	}

	url := fmt.Sprintf("%s/api/v1/apply", o.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to build oracle request: %v: %w", err, types.ErrRedo)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("oracle unreachable: %v: %w", err, types.ErrRedo)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read oracle response: %v: %w", err, types.ErrRedo)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned HTTP %d: %s: %w", resp.StatusCode, string(body), types.ErrRedo)
	}

	var applyResp applyResponse
	if err := json.Unmarshal(body, &applyResp); err != nil {
		return nil, fmt.Errorf("invalid oracle response: %v: %w", err, types.ErrRedo)
	}
	if applyResp.Status != "success" {
		return nil, fmt.Errorf("oracle rejected record: %s: %w", applyResp.Error, types.ErrRedo)
	}

	out, err := base64.StdEncoding.DecodeString(applyResp.Image)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image from oracle: %v: %w", err, types.ErrRedo)
	}
	if len(out) != types.PageSize {
		return nil, fmt.Errorf("oracle returned %d byte image: %w", len(out), types.ErrRedo)
	}
	return out, nil
}
