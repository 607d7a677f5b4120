package inbound

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxMediaBytes = 64 << 20

// Downloads run in the background, off the ingestion path, so the
// timeout only has to bound a single large file transfer.
var mediaClient = &http.Client{Timeout: 15 * time.Second}

// fetchURL downloads directly addressable media, capped at maxMediaBytes.
func fetchURL(ctx context.Context, url, fallbackMIME string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := mediaClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = fallbackMIME
	}
	return data, mime, nil
}
